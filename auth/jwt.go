package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/emubridge/sessions"
	"github.com/golang-jwt/jwt/v5"
)

var _ sessions.TestResolver = (*JWT)(nil)

// JWTConfig selects how tokens are verified. Exactly one key source is
// used, in this order: HMACSecret, JWKSURL, discovery from Issuer.
type JWTConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	HMACSecret []byte
	Leeway     time.Duration
}

// TestClaims are the claims a bridge token carries. The test id falls back
// to the subject.
type TestClaims struct {
	jwt.RegisteredClaims
	TestID         string `json:"test_id,omitempty"`
	ContainerURI   string `json:"container_uri"`
	ContainerToken string `json:"container_token,omitempty"`
}

// JWT resolves the active test from a signed bearer token.
type JWT struct {
	cfg     JWTConfig
	algs    []string
	keyfunc jwt.Keyfunc
}

// NewJWT builds a JWT resolver. When keys come from a JWKS, they are
// refreshed in the background until ctx is done.
func NewJWT(ctx context.Context, cfg JWTConfig) (*JWT, error) {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	if len(cfg.HMACSecret) > 0 {
		secret := append([]byte(nil), cfg.HMACSecret...)
		return &JWT{
			cfg:     cfg,
			algs:    []string{jwt.SigningMethodHS256.Alg()},
			keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		}, nil
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("one of HMACSecret, JWKSURL or Issuer is required")
		}
		discovered, err := discoverJWKS(ctx, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &JWT{
		cfg:     cfg,
		algs:    []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()},
		keyfunc: kf.Keyfunc,
	}, nil
}

func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", errors.New("discovery incomplete: missing jwks_uri")
	}
	return meta.JwksURI, nil
}

// ResolveTest implements sessions.TestResolver.
func (j *JWT) ResolveTest(ctx context.Context, r *http.Request) (*sessions.Test, error) {
	tok, err := BearerToken(r)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(j.algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.cfg.Leeway),
	}
	if j.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.cfg.Issuer))
	}
	if j.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(j.cfg.Audience))
	}

	var claims TestClaims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tok, &claims, j.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	id := claims.TestID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing test_id and sub", ErrUnauthorized)
	}
	if claims.ContainerURI == "" {
		return nil, fmt.Errorf("%w: missing container_uri", ErrUnauthorized)
	}

	return &sessions.Test{ID: id, ContainerURI: claims.ContainerURI, Token: claims.ContainerToken}, nil
}

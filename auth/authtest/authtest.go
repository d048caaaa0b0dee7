// Package authtest provides a throwaway token issuer for tests. It serves an
// OpenID discovery document and a JWKS over httptest and mints RS256 tokens
// that auth.NewJWT accepts.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const keyID = "authtest-key"

// Issuer is a local token issuer.
type Issuer struct {
	URL      string
	Audience string

	key *rsa.PrivateKey
	srv *httptest.Server
}

// NewIssuer starts an issuer that is shut down when the test ends.
func NewIssuer(t *testing.T, audience string) *Issuer {
	t.Helper()

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: keyID, Algorithm: "RS256", Use: "sig"}}}
	jwks, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	iss := &Issuer{Audience: audience, key: pk}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   iss.URL,
			"jwks_uri":                 iss.JWKSURL(),
			"authorization_endpoint":   iss.URL + "/oauth2/auth",
			"token_endpoint":           iss.URL + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	iss.srv = httptest.NewServer(mux)
	iss.URL = iss.srv.URL
	t.Cleanup(iss.srv.Close)
	return iss
}

// JWKSURL returns the location of the key set.
func (i *Issuer) JWKSURL() string { return i.URL + "/keys" }

// TestToken mints a valid token for the given test. Extra claims override
// the defaults.
func (i *Issuer) TestToken(t *testing.T, testID, containerURI, containerToken string, extra jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":             i.URL,
		"aud":             i.Audience,
		"sub":             testID,
		"exp":             now.Add(time.Hour).Unix(),
		"iat":             now.Unix(),
		"container_uri":   containerURI,
		"container_token": containerToken,
	}
	for k, v := range extra {
		claims[k] = v
	}
	return i.Sign(t, claims)
}

// Sign signs arbitrary claims with the issuer's key.
func (i *Issuer) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	s, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

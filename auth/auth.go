package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates that no valid credentials were supplied. Routers
// answer it with 401 and a Bearer challenge.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNoToken is wrapped into ErrUnauthorized when the request carries no
// bearer token at all.
var ErrNoToken = errors.New("no bearer token")

const bearerPrefix = "Bearer "

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, ErrNoToken)
	}
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", fmt.Errorf("%w: malformed bearer authorization header", ErrUnauthorized)
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	if tok == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}
	return tok, nil
}

// Challenge builds a WWW-Authenticate value for err. A request without any
// credentials gets a bare challenge; anything else is reported as
// invalid_token.
//
//	Bearer realm="<realm>", error="invalid_token", error_description="..."
func Challenge(realm string, err error) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace

	pieces := make([]string, 0, 3)
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	// No error code when the request lacked credentials entirely (RFC 6750 section 3.1).
	if err != nil && !errors.Is(err, ErrNoToken) {
		pieces = append(pieces, `error="invalid_token"`)
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(err.Error())))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

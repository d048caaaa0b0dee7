// Package auth resolves the active test a request is acting for. Both HTTP
// transports call a sessions.TestResolver when a session is created and on
// every resume.
//
// Two resolvers are provided:
//
//   - NewStatic binds every session to one configured container. It is the
//     development mode.
//   - NewJWT verifies a bearer token and reads the test from its claims.
//     Keys come from a shared HS256 secret, an explicit JWKS URL, or the
//     jwks_uri published by the issuer's OpenID discovery document.
//
// Failures wrap ErrUnauthorized. Challenge formats the matching
// WWW-Authenticate header.
//
// Example:
//
//	resolver, err := auth.NewJWT(ctx, auth.JWTConfig{
//		Issuer:   "https://issuer.example",
//		Audience: "emubridge",
//	})
//	if err != nil {
//		return err
//	}
package auth

package sessions

import (
	"context"
	"net/http"
)

// Test is an active test: one running emulator container and the token
// used to command it.
type Test struct {
	ID           string
	ContainerURI string
	Token        string
}

// TestResolver resolves the active test for an incoming request. A nil
// Test with a nil error means the request carries no test binding.
type TestResolver interface {
	ResolveTest(ctx context.Context, r *http.Request) (*Test, error)
}

// TestResolverFunc adapts a function to TestResolver.
type TestResolverFunc func(ctx context.Context, r *http.Request) (*Test, error)

func (f TestResolverFunc) ResolveTest(ctx context.Context, r *http.Request) (*Test, error) {
	return f(ctx, r)
}

// SameTest reports whether a and b refer to the same test. Two nil tests
// are the same test.
func SameTest(a, b *Test) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

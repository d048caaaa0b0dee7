package auth

import (
	"context"
	"net/http"

	"github.com/ggoodman/emubridge/sessions"
)

var _ sessions.TestResolver = (*Static)(nil)

// Static binds every request to the same test. A nil test means sessions run
// without an active test and tool calls report that.
type Static struct {
	test *sessions.Test
}

// NewStatic returns a resolver that always yields test.
func NewStatic(test *sessions.Test) *Static {
	if test != nil {
		cp := *test
		test = &cp
	}
	return &Static{test: test}
}

func (s *Static) ResolveTest(ctx context.Context, r *http.Request) (*sessions.Test, error) {
	return s.test, nil
}

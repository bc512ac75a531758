package mycelia

import (
	"context"
	"time"
)

// nodeTimeout resolves the effective timeout for a call per §4.6 precedence:
// NodePolicy override, then the session-wide default, then unlimited.
// Grounded on the teacher's getNodeTimeout (graph/timeout.go).
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runBodyWithTimeout executes fn under a derived context bounded by timeout
// (0 meaning unlimited), reporting whether the deadline was the cause of
// fn's context error. Grounded on the teacher's executeNodeWithTimeout.
func runBodyWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error, bool) {
	if timeout <= 0 {
		v, err := fn(ctx)
		return v, err, false
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(tctx)
	return v, err, tctx.Err() == context.DeadlineExceeded
}

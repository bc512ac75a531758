package mycelia

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("mycelia: invalid retry policy")

// NodePolicy configures per-node execution behavior: timeout and retry
// overrides on top of the session-wide Options defaults. Mirrors the
// teacher's NodePolicy (graph/policy.go).
type NodePolicy struct {
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// RetryPolicy governs retries for infrastructure errors (BrokerUnavailable,
// StorageUnavailable per §7) — node execution failures themselves are not
// retried automatically; a node that wants retry-on-failure semantics
// expresses that itself (e.g. by returning a continuation to a retry node).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff implements exponential backoff with jitter, ported
// verbatim from the teacher's computeBackoff (graph/policy.go): delay =
// min(base*2^attempt, maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	exponential := base * time.Duration(1<<uint(minInt(attempt, 30)))
	if exponential > maxDelay {
		exponential = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter timing, not security-sensitive
	}
	return exponential + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// defaultRetryPolicy governs infrastructure-error retries (§7
// StorageUnavailable/BrokerUnavailable) when a Session is opened without an
// explicit WithRetryPolicy. MaxAttempts of 0 is a convention distinct from
// Validate's requirement that an explicit policy name a concrete bound: the
// built-in default exists only to ride out a transient outage and keeps
// retrying until the session itself shuts down, since these errors are
// never supposed to fail a call (§7).
func defaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 0,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Retryable:   func(error) bool { return true },
	}
}

// retryLoop runs fn, retrying with computeBackoff's exponential-with-jitter
// delay while fn returns a non-nil error that rp.Retryable accepts, until fn
// succeeds, rp.MaxAttempts is exhausted (0 means unbounded), rp.Retryable
// rejects the error, or ctx is cancelled. onBackoff is called once per
// retry, before sleeping, for metrics.
func retryLoop(ctx context.Context, rp *RetryPolicy, onBackoff func(), fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if rp.Retryable != nil && !rp.Retryable(err) {
			return err
		}
		if rp.MaxAttempts > 0 && attempt+1 >= rp.MaxAttempts {
			return err
		}
		if onBackoff != nil {
			onBackoff()
		}
		select {
		case <-time.After(computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, nil)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

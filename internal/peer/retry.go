package peer

import (
	"context"
	"time"

	"github.com/kestrelops/remedy/pkg/schema"
)

// RetryPolicy bounds re-attempts of unavailable collaborator calls before the
// fallback policy takes over. NO_COLLABORATOR is never retried; the registry
// will not change mid-call.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries once after 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// delay returns the backoff before the given 1-based retry attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryable reports whether the failure is worth another attempt.
func retryable(err *schema.RemedyError) bool {
	return err != nil && err.Code == schema.ErrCodeCallUnavailable
}

// waitBackoff sleeps for d or until the context is done.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// invokeWithRetry runs the call through the coordinator, re-attempting
// unavailable calls per the policy.
func invokeWithRetry(ctx context.Context, inner Coordinator, call Call, policy RetryPolicy) CallResult {
	policy = policy.normalized()

	var result CallResult
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result = inner.Invoke(ctx, call)
		if result.Succeeded || !retryable(result.Err) {
			return result
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if err := waitBackoff(ctx, policy.delay(attempt)); err != nil {
			return result
		}
	}
	return result
}

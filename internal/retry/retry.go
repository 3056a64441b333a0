package retry

import (
	"context"
	"math"
	"time"

	"github.com/yourorg/security-advisor/internal/apperr"
)

// Policy configures Do. Delay before retry n (1-based) is Base^n Units, so the
// defaults wait 2s then 4s.
type Policy struct {
	MaxAttempts int
	Base        float64
	Unit        time.Duration
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func Default() Policy {
	return Policy{MaxAttempts: 3, Base: 2, Unit: time.Second}
}

func (p Policy) delay(attempt int) time.Duration {
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	return time.Duration(math.Pow(p.Base, float64(attempt)) * float64(unit))
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The last error is returned unchanged.
//
// Retries assume the failure happened before the remote side effect. A write
// that succeeded remotely but failed on the way back will be repeated.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !apperr.Retryable(lastErr) {
			break
		}
		if ctx.Err() != nil {
			return lastErr
		}
		wait := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, lastErr)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

// Value is Do for functions that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Package retry wraps store operations with a shared resilience policy:
// transient store errors are retried with capped exponential backoff, fatal
// errors surface immediately and retry exhaustion is reported as a typed
// error carrying the operation name and attempt count.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	flowretry "github.com/flowchartsman/retry"

	tanderrors "github.com/mirkobrombin/go-tandem/v1/errors"
	"github.com/mirkobrombin/go-tandem/v1/metrics"
)

// Policy is an immutable retry configuration attached per call site.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// ExhaustedError reports that op still failed after every allowed attempt.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient store failure. The store
// backends fold transport, timeout and pool-exhaustion conditions into
// ErrStoreUnavailable, so classification here is a single errors.Is check.
func Retryable(err error) bool {
	return stderrors.Is(err, tanderrors.ErrStoreUnavailable)
}

// Do runs fn under the policy. Non-retryable errors and context
// cancellation are returned as-is; once the attempt budget is spent the
// last transient error is wrapped in an ExhaustedError.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p = DefaultPolicy()
	}
	attempts := 0
	r := flowretry.NewRetrier(p.MaxAttempts, p.BaseDelay, p.MaxDelay)
	err := r.RunContext(ctx, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return flowretry.Stop(err)
		}
		metrics.RetryAttemptCounter.Inc()
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		return err
	}
	if Retryable(err) {
		metrics.RetryExhaustedCounter.Inc()
		return &ExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}

package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	tanderrors "github.com/mirkobrombin/go-tandem/v1/errors"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("op: %w", tanderrors.ErrStoreUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnFatalError(t *testing.T) {
	fatal := stderrors.New("bad request")
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !stderrors.Is(err, fatal) {
		t.Fatalf("expected the fatal error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fatal errors must not be retried, got %d attempts", calls)
	}
	var ex *ExhaustedError
	if stderrors.As(err, &ex) {
		t.Fatal("fatal errors must not be reported as exhaustion")
	}
}

func TestDoReportsExhaustion(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "stream.append", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("xadd: %w", tanderrors.ErrStoreUnavailable)
	})
	var ex *ExhaustedError
	if !stderrors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Op != "stream.append" || ex.Attempts != 3 {
		t.Fatalf("unexpected exhaustion report: %+v", ex)
	}
	if !stderrors.Is(err, tanderrors.ErrStoreUnavailable) {
		t.Fatal("exhaustion must unwrap to the last transient error")
	}
	if calls != 3 {
		t.Fatalf("expected the full attempt budget, got %d", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			return fmt.Errorf("down: %w", tanderrors.ErrStoreUnavailable)
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !stderrors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls >= 10 {
		t.Fatalf("cancellation must cut the attempt budget short, got %d", calls)
	}
}

func TestDoZeroPolicyFallsBackToDefault(t *testing.T) {
	var p Policy
	calls := 0
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("zero policy must still run the operation: calls %d err %v", calls, err)
	}
}

package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tandem/v1/metrics"
	"github.com/mirkobrombin/go-tandem/v1/retry"
	"github.com/mirkobrombin/go-tandem/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tandem/v1/lock")

const keyPrefix = "tandem:lock:"

// Options controls a single acquisition.
type Options struct {
	// Lease is how long the lock survives a crashed holder. It must
	// comfortably exceed the expected critical section.
	Lease time.Duration
	// Blocking makes Acquire poll until the lock is obtained instead of
	// returning immediately on contention.
	Blocking bool
	// BlockingTimeout bounds a blocking acquisition. Zero means unbounded.
	BlockingTimeout time.Duration
	// RetryDelay is the poll interval between blocking attempts.
	RetryDelay time.Duration
}

// Lease is a held lock. The token proves which acquisition attempt owns the
// resource; it is never reused across attempts.
type Lease struct {
	Resource  string
	Token     string
	ExpiresAt time.Time

	m *Manager
}

// Release releases the lease. See Manager.Release.
func (l *Lease) Release(ctx context.Context) (bool, error) {
	return l.m.Release(ctx, l.Resource, l.Token)
}

// Manager acquires and releases distributed locks through a Store.
type Manager struct {
	store        store.Store
	policy       retry.Policy
	defaultLease time.Duration
	defaultDelay time.Duration
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRetryPolicy sets the resilience policy used for store round trips.
func WithRetryPolicy(p retry.Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithDefaultLease sets the lease applied when Options.Lease is zero.
func WithDefaultLease(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultLease = d }
}

// WithDefaultRetryDelay sets the poll interval applied when
// Options.RetryDelay is zero.
func WithDefaultRetryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultDelay = d }
}

// NewManager returns a new lock manager over the given store.
func NewManager(s store.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        s,
		policy:       retry.DefaultPolicy(),
		defaultLease: 30 * time.Second,
		defaultDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the lock for resource. It returns the lease and
// true on success. Contention is a normal negative result: (nil, false, nil)
// once the non-blocking attempt fails or the blocking timeout elapses.
func (m *Manager) Acquire(ctx context.Context, resource string, opts Options) (*Lease, bool, error) {
	if opts.Lease <= 0 {
		opts.Lease = m.defaultLease
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = m.defaultDelay
	}
	ctx, span := tracer.Start(ctx, "Lock.Acquire",
		trace.WithAttributes(attribute.String("tandem.lock.resource", resource)))
	defer span.End()

	var deadline time.Time
	if opts.Blocking && opts.BlockingTimeout > 0 {
		deadline = time.Now().Add(opts.BlockingTimeout)
	}
	key := keyPrefix + resource
	for {
		// A new attempt is a new token; tokens are never reused.
		token := uuid.NewString()
		var ok bool
		err := m.policy.Do(ctx, "lock.acquire", func(ctx context.Context) error {
			var err error
			ok, err = m.store.SetIfAbsent(ctx, key, token, opts.Lease)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if ok {
			metrics.LockAcquiredCounter.Inc()
			return &Lease{
				Resource:  resource,
				Token:     token,
				ExpiresAt: time.Now().Add(opts.Lease),
				m:         m,
			}, true, nil
		}
		metrics.LockContendedCounter.Inc()
		if !opts.Blocking {
			return nil, false, nil
		}
		wait := opts.RetryDelay
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, false, nil
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, false, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, false, nil
		}
	}
}

// Release removes the lock only if token still owns it. It returns false
// when ownership already lapsed, which is not an error: a lease that
// expired and was re-acquired by another process must be left alone.
func (m *Manager) Release(ctx context.Context, resource, token string) (bool, error) {
	var ok bool
	err := m.policy.Do(ctx, "lock.release", func(ctx context.Context) error {
		var err error
		ok, err = m.store.DeleteIfEquals(ctx, keyPrefix+resource, token)
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockReleaseIgnoredCounter.Inc()
	}
	return ok, nil
}

// Extend pushes the lease expiry out by d from now, conditioned on the
// token still owning the lock. It returns false if ownership lapsed.
func (m *Manager) Extend(ctx context.Context, l *Lease, d time.Duration) (bool, error) {
	var ok bool
	err := m.policy.Do(ctx, "lock.extend", func(ctx context.Context) error {
		var err error
		ok, err = m.store.ExpireIfEquals(ctx, keyPrefix+l.Resource, l.Token, d)
		return err
	})
	if err != nil {
		return false, err
	}
	if ok {
		l.ExpiresAt = time.Now().Add(d)
	}
	return ok, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tandem/v1/lock"
	"github.com/mirkobrombin/go-tandem/v1/metrics"
	"github.com/mirkobrombin/go-tandem/v1/retry"
	"github.com/mirkobrombin/go-tandem/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tandem/v1/stream")

// reclaimLease bounds how long a reclaim scan can hold the group's reclaim
// lock before a crashed reclaimer stops blocking others.
const reclaimLease = 30 * time.Second

// Coordinator is one consumer identity inside a consumer group. It reads
// new entries on behalf of the group, drains its own crash backlog,
// acknowledges processed entries and reclaims work stranded by dead
// consumers.
type Coordinator struct {
	store    store.Store
	locks    *lock.Manager
	policy   retry.Policy
	stream   string
	group    string
	consumer string
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRetryPolicy sets the resilience policy for store round trips.
func WithRetryPolicy(p retry.Policy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p }
}

// NewCoordinator returns a coordinator for one consumer of one group. The
// lock manager guards reclaim scans; it may be shared across coordinators.
func NewCoordinator(s store.Store, locks *lock.Manager, stream, group, consumer string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    s,
		locks:    locks,
		policy:   retry.DefaultPolicy(),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consumer returns the consumer identity this coordinator reads as.
func (c *Coordinator) Consumer() string { return c.consumer }

// CreateGroup creates the consumer group at the given start position ("0"
// for the beginning, "$" for new entries only). Creating a group that
// already exists is a no-op.
func (c *Coordinator) CreateGroup(ctx context.Context, start string) error {
	if start == "" {
		start = "0"
	}
	return c.policy.Do(ctx, "group.create", func(ctx context.Context) error {
		return c.store.CreateGroup(ctx, c.stream, c.group, start)
	})
}

// ReadNew returns up to count entries never delivered to this group, in
// stream order, and moves them to this consumer's pending set. With a
// positive block it waits up to that long for entries, returning an empty
// slice on timeout; block <= 0 returns immediately.
func (c *Coordinator) ReadNew(ctx context.Context, count int64, block time.Duration) ([]store.Entry, error) {
	if block <= 0 {
		block = -1
	}
	var entries []store.Entry
	err := c.policy.Do(ctx, "group.readnew", func(ctx context.Context) error {
		var err error
		entries, err = c.store.ReadGroup(ctx, store.ReadGroupArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			Count:    count,
			Block:    block,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.DeliveredCounter.Add(float64(len(entries)))
	return entries, nil
}

// ReadPending returns this consumer's own delivered-but-unacknowledged
// entries in stream order. A restarted consumer drains this backlog before
// competing for new work.
func (c *Coordinator) ReadPending(ctx context.Context, count int64) ([]store.Entry, error) {
	var entries []store.Entry
	err := c.policy.Do(ctx, "group.readpending", func(ctx context.Context) error {
		var err error
		entries, err = c.store.ReadGroup(ctx, store.ReadGroupArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			Count:    count,
			Pending:  true,
		})
		return err
	})
	return entries, err
}

// Ack removes entries from the group's pending set and returns how many
// were actually pending. Acknowledging an already-acknowledged or unknown
// id is a no-op.
func (c *Coordinator) Ack(ctx context.Context, ids ...string) (int64, error) {
	var n int64
	err := c.policy.Do(ctx, "group.ack", func(ctx context.Context) error {
		var err error
		n, err = c.store.Ack(ctx, c.stream, c.group, ids...)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.AckCounter.Add(float64(n))
	return n, nil
}

// ReclaimStale transfers to this consumer up to count pending entries, from
// any consumer of the group, that have sat unacknowledged for at least
// minIdle. The scan-then-transfer window is guarded by the distributed
// lock; if another consumer is already reclaiming, this call returns
// immediately with no entries. The store re-checks idle time at transfer,
// so entries touched between scan and claim are skipped rather than
// double-assigned, and each transferred entry's delivery count increases.
func (c *Coordinator) ReclaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]store.Entry, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.ReclaimStale",
		trace.WithAttributes(
			attribute.String("tandem.stream", c.stream),
			attribute.String("tandem.group", c.group),
		))
	defer span.End()

	guard, held, err := c.locks.Acquire(ctx, "reclaim:"+c.stream+":"+c.group, lock.Options{
		Lease: reclaimLease,
	})
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, nil
	}
	defer guard.Release(ctx)

	var pending []store.PendingEntry
	err = c.policy.Do(ctx, "group.pending", func(ctx context.Context) error {
		var err error
		pending, err = c.store.Pending(ctx, c.stream, c.group, minIdle, count)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	var entries []store.Entry
	err = c.policy.Do(ctx, "group.claim", func(ctx context.Context) error {
		var err error
		entries, err = c.store.Claim(ctx, c.stream, c.group, c.consumer, minIdle, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.ReclaimedCounter.Add(float64(len(entries)))
	return entries, nil
}

// PendingSummary lists up to count pending entries of the whole group with
// their owners, idle times and delivery counts.
func (c *Coordinator) PendingSummary(ctx context.Context, count int64) ([]store.PendingEntry, error) {
	var pending []store.PendingEntry
	err := c.policy.Do(ctx, "group.pending", func(ctx context.Context) error {
		var err error
		pending, err = c.store.Pending(ctx, c.stream, c.group, 0, count)
		return err
	})
	return pending, err
}

// RemoveConsumer drops a consumer from the group, discarding its pending
// entries, and returns how many were dropped. Reclaim the consumer's
// entries first if they must not be lost.
func (c *Coordinator) RemoveConsumer(ctx context.Context, consumer string) (int64, error) {
	var n int64
	err := c.policy.Do(ctx, "group.removeconsumer", func(ctx context.Context) error {
		var err error
		n, err = c.store.RemoveConsumer(ctx, c.stream, c.group, consumer)
		return err
	})
	return n, err
}

package store

import (
	"context"
	"time"
)

// Entry is a single immutable record of a stream. The ID is assigned by the
// store on append and is totally ordered within the stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes an entry that was delivered to a consumer of a
// group but has not been acknowledged yet.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// HealthStatus reports store connectivity. Hosting services sample it to
// expose health through their own endpoints.
type HealthStatus struct {
	Healthy      bool
	ResponseTime time.Duration
	Err          error
}

// ReadGroupArgs parameterizes a group read.
//
// Block follows the store convention: a negative value returns immediately,
// zero waits indefinitely and a positive value waits up to that duration.
// Pending switches the read from never-delivered entries to the calling
// consumer's own unacknowledged backlog.
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
	Pending  bool
}

// Store is the capability interface over the shared ordered store. All
// check-and-mutate sequences are single atomic operations at the store;
// implementations must not emulate them with separate round trips.
type Store interface {
	// SetIfAbsent writes value under key with the given TTL only if the key
	// does not exist. It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// DeleteIfEquals removes key only if its current value equals expected,
	// as one server-side atomic step. It reports whether the key was removed.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)

	// ExpireIfEquals resets the TTL of key only if its current value equals
	// expected, as one server-side atomic step.
	ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// Append adds an entry to the stream and returns the store-assigned id.
	// A positive maxLen bounds the stream length; trimming is approximate
	// and the store may briefly retain more entries than maxLen.
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)

	// Read returns up to count entries of the stream with ids at or after
	// from ("-" for the beginning), without any group bookkeeping.
	Read(ctx context.Context, stream, from string, count int64) ([]Entry, error)

	// CreateGroup creates a consumer group on the stream, creating the
	// stream itself if missing. Creating an existing group is a no-op.
	CreateGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup reads entries on behalf of a consumer of a group. New
	// entries move to the group's pending set; pending reads return the
	// consumer's own backlog without touching delivery counters.
	ReadGroup(ctx context.Context, a ReadGroupArgs) ([]Entry, error)

	// Ack removes entries from the group's pending set and returns how many
	// were actually pending. Unknown ids are ignored.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// Pending returns up to count pending entries of the group, across all
	// consumers, whose idle time is at least minIdle, in id order.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)

	// Claim transfers ownership of the given pending entries to consumer,
	// incrementing their delivery count. The store re-checks minIdle at
	// transfer time: entries touched in the meantime are silently skipped,
	// so a raced claim degrades to a no-op.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error)

	// RemoveConsumer removes a consumer from the group and returns the
	// number of pending entries that were dropped with it.
	RemoveConsumer(ctx context.Context, stream, group, consumer string) (int64, error)

	// Health probes connectivity and reports the observed state.
	Health(ctx context.Context) HealthStatus

	Close() error
}

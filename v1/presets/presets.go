// Package presets assembles the coordination layer: a store backend, the
// lock manager, a producer and group coordinators, configured from options
// or TANDEM_* environment variables.
package presets

import (
	"fmt"
	"os"
	"strconv"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-tandem/v1/lock"
	"github.com/mirkobrombin/go-tandem/v1/retry"
	"github.com/mirkobrombin/go-tandem/v1/store"
	"github.com/mirkobrombin/go-tandem/v1/stream"
)

// Options configures a coordination stack backed by Redis.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LeaseDuration is the default lock lease.
	LeaseDuration time.Duration
	// LockRetryDelay is the default poll interval of blocking acquisitions.
	LockRetryDelay time.Duration
	// ConsumerID identifies this process in consumer groups. Generated when
	// empty.
	ConsumerID string
	// StreamMaxLen bounds produced streams; zero leaves them unbounded.
	StreamMaxLen int64
	// Retry is the shared resilience policy.
	Retry retry.Policy
}

// FromEnv builds Options from TANDEM_* environment variables, applying
// defaults for everything unset.
func FromEnv() Options {
	opts := Options{
		Addr:           "localhost:6379",
		LeaseDuration:  30 * time.Second,
		LockRetryDelay: 100 * time.Millisecond,
		Retry:          retry.DefaultPolicy(),
	}
	if v := os.Getenv("TANDEM_REDIS_ADDR"); v != "" {
		opts.Addr = v
	}
	if v := os.Getenv("TANDEM_REDIS_PASSWORD"); v != "" {
		opts.Password = v
	}
	if v := os.Getenv("TANDEM_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.DB = n
		}
	}
	if v := os.Getenv("TANDEM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.PoolSize = n
		}
	}
	if v := os.Getenv("TANDEM_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.DialTimeout = d
		}
	}
	if v := os.Getenv("TANDEM_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.ReadTimeout = d
		}
	}
	if v := os.Getenv("TANDEM_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.WriteTimeout = d
		}
	}
	if v := os.Getenv("TANDEM_LEASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.LeaseDuration = d
		}
	}
	if v := os.Getenv("TANDEM_LOCK_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.LockRetryDelay = d
		}
	}
	if v := os.Getenv("TANDEM_CONSUMER_ID"); v != "" {
		opts.ConsumerID = v
	}
	if v := os.Getenv("TANDEM_STREAM_MAX_LEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.StreamMaxLen = n
		}
	}
	return opts
}

// Tandem bundles the assembled coordination components around one store.
type Tandem struct {
	Store    store.Store
	Locks    *lock.Manager
	Producer *stream.Producer

	consumerID string
	policy     retry.Policy
}

// NewRedis creates a coordination stack backed by Redis.
func NewRedis(opts Options) *Tandem {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	s := store.NewRedis(store.RedisOptions{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	return assemble(s, opts)
}

// NewInMemoryStandalone creates a coordination stack that runs entirely in
// process, with no external dependencies. Useful for tests and local
// development.
func NewInMemoryStandalone() *Tandem {
	opts := Options{
		LeaseDuration:  30 * time.Second,
		LockRetryDelay: 100 * time.Millisecond,
		Retry:          retry.DefaultPolicy(),
	}
	return assemble(store.NewMemory(), opts)
}

func assemble(s store.Store, opts Options) *Tandem {
	locks := lock.NewManager(s,
		lock.WithRetryPolicy(opts.Retry),
		lock.WithDefaultLease(opts.LeaseDuration),
		lock.WithDefaultRetryDelay(opts.LockRetryDelay),
	)
	producer := stream.NewProducer(s,
		stream.WithProducerRetryPolicy(opts.Retry),
		stream.WithMaxLen(opts.StreamMaxLen),
	)
	return &Tandem{
		Store:      s,
		Locks:      locks,
		Producer:   producer,
		consumerID: consumerID(opts.ConsumerID),
		policy:     opts.Retry,
	}
}

// Group returns a coordinator for this process's consumer identity inside
// the given group.
func (t *Tandem) Group(streamName, group string) *stream.Coordinator {
	return t.GroupAs(streamName, group, t.consumerID)
}

// GroupAs returns a coordinator reading as an explicit consumer identity,
// for processes that host more than one consumer of the same group.
func (t *Tandem) GroupAs(streamName, group, consumer string) *stream.Coordinator {
	return stream.NewCoordinator(t.Store, t.Locks, streamName, group, consumer,
		stream.WithRetryPolicy(t.policy))
}

// ConsumerID returns the consumer identity used by coordinators of this
// stack.
func (t *Tandem) ConsumerID() string { return t.consumerID }

// Close releases the underlying store.
func (t *Tandem) Close() error { return t.Store.Close() }

func consumerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "tandem"
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return host
	}
	return fmt.Sprintf("%s-%s", host, id[:8])
}

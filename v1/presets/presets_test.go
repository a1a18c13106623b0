package presets

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-tandem/v1/lock"
	"github.com/mirkobrombin/go-tandem/v1/retry"
)

func TestFromEnvDefaults(t *testing.T) {
	opts := FromEnv()
	if opts.Addr != "localhost:6379" {
		t.Fatalf("unexpected default addr: %q", opts.Addr)
	}
	if opts.LeaseDuration != 30*time.Second {
		t.Fatalf("unexpected default lease: %v", opts.LeaseDuration)
	}
	if opts.LockRetryDelay != 100*time.Millisecond {
		t.Fatalf("unexpected default retry delay: %v", opts.LockRetryDelay)
	}
	if opts.Retry != retry.DefaultPolicy() {
		t.Fatalf("unexpected default policy: %+v", opts.Retry)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TANDEM_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("TANDEM_REDIS_DB", "3")
	t.Setenv("TANDEM_POOL_SIZE", "25")
	t.Setenv("TANDEM_LEASE_DURATION", "45s")
	t.Setenv("TANDEM_LOCK_RETRY_DELAY", "250ms")
	t.Setenv("TANDEM_CONSUMER_ID", "worker-7")
	t.Setenv("TANDEM_STREAM_MAX_LEN", "5000")

	opts := FromEnv()
	if opts.Addr != "redis.internal:6380" || opts.DB != 3 || opts.PoolSize != 25 {
		t.Fatalf("connection overrides not applied: %+v", opts)
	}
	if opts.LeaseDuration != 45*time.Second || opts.LockRetryDelay != 250*time.Millisecond {
		t.Fatalf("lock overrides not applied: %+v", opts)
	}
	if opts.ConsumerID != "worker-7" || opts.StreamMaxLen != 5000 {
		t.Fatalf("consumer overrides not applied: %+v", opts)
	}
}

func TestInMemoryStandaloneEndToEnd(t *testing.T) {
	tandem := NewInMemoryStandalone()
	defer tandem.Close()
	ctx := context.Background()

	lease, held, err := tandem.Locks.Acquire(ctx, "migrate", lock.Options{Lease: time.Second})
	if err != nil || !held {
		t.Fatalf("acquire: held %v err %v", held, err)
	}

	consumer := tandem.Group("events", "workers")
	if err := consumer.CreateGroup(ctx, "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	id, err := tandem.Producer.Append(ctx, "events", map[string]string{"kind": "ping"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := consumer.ReadNew(ctx, 10, 0)
	if err != nil || len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("read new: %+v err %v", entries, err)
	}
	if n, err := consumer.Ack(ctx, id); err != nil || n != 1 {
		t.Fatalf("ack: n %d err %v", n, err)
	}

	if ok, err := lease.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if !tandem.Store.Health(ctx).Healthy {
		t.Fatal("in-memory store must report healthy")
	}
	if tandem.ConsumerID() == "" {
		t.Fatal("a consumer identity must be generated when unset")
	}
}

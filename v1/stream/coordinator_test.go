package stream

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-tandem/v1/lock"
	"github.com/mirkobrombin/go-tandem/v1/store"
)

func newGroup(t *testing.T, s store.Store, consumer string) (*Coordinator, context.Context) {
	t.Helper()
	locks := lock.NewManager(s)
	c := NewCoordinator(s, locks, "events", "g", consumer)
	ctx := context.Background()
	if err := c.CreateGroup(ctx, "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return c, ctx
}

func appendN(t *testing.T, s store.Store, n int) []string {
	t.Helper()
	p := NewProducer(s)
	ids := make([]string, n)
	for i := range ids {
		id, err := p.Append(context.Background(), "events", map[string]string{"n": "x"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func TestCreateGroupIdempotent(t *testing.T) {
	s := store.NewMemory()
	c, ctx := newGroup(t, s, "c1")

	appendN(t, s, 1)
	if _, err := c.ReadNew(ctx, 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	// Re-creating must not reset the cursor or drop pending state.
	if err := c.CreateGroup(ctx, "0"); err != nil {
		t.Fatalf("second create: %v", err)
	}
	again, err := c.ReadNew(ctx, 10, 0)
	if err != nil {
		t.Fatalf("read after recreate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("recreate must be a no-op, got redelivery: %+v", again)
	}
}

func TestReadNewDeliversInOrderOnce(t *testing.T) {
	s := store.NewMemory()
	c1, ctx := newGroup(t, s, "c1")
	ids := appendN(t, s, 3)

	got, err := c1.ReadNew(ctx, 2, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[0] || got[1].ID != ids[1] {
		t.Fatalf("expected [e1 e2] in order, got %+v", got)
	}

	c2 := NewCoordinator(s, lock.NewManager(s), "events", "g", "c2")
	rest, err := c2.ReadNew(ctx, 10, 0)
	if err != nil {
		t.Fatalf("read c2: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[2] {
		t.Fatalf("entries must be delivered as new exactly once per group: %+v", rest)
	}
}

func TestCrashedConsumerDrainsOwnBacklog(t *testing.T) {
	s := store.NewMemory()
	c1, ctx := newGroup(t, s, "c1")
	ids := appendN(t, s, 3)

	got, err := c1.ReadNew(ctx, 2, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("read: %+v err %v", got, err)
	}

	// c1 crashes before acking and restarts under the same identity.
	restarted := NewCoordinator(s, lock.NewManager(s), "events", "g", "c1")
	backlog, err := restarted.ReadPending(ctx, 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(backlog) != 2 || backlog[0].ID != ids[0] || backlog[1].ID != ids[1] {
		t.Fatalf("backlog must replay [e1 e2] unchanged, got %+v", backlog)
	}
}

func TestAckIdempotent(t *testing.T) {
	s := store.NewMemory()
	c, ctx := newGroup(t, s, "c1")
	ids := appendN(t, s, 2)

	if _, err := c.ReadNew(ctx, 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	n, err := c.Ack(ctx, ids...)
	if err != nil || n != 2 {
		t.Fatalf("ack: n %d err %v", n, err)
	}
	n, err = c.Ack(ctx, ids...)
	if err != nil || n != 0 {
		t.Fatalf("re-ack must be a no-op: n %d err %v", n, err)
	}
	backlog, _ := c.ReadPending(ctx, 10)
	if len(backlog) != 0 {
		t.Fatalf("acked entries must leave the pending set: %+v", backlog)
	}
}

func TestReclaimStaleTransfersDeadConsumersWork(t *testing.T) {
	s := store.NewMemory()
	dead, ctx := newGroup(t, s, "dead")
	ids := appendN(t, s, 2)

	if _, err := dead.ReadNew(ctx, 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	alive := NewCoordinator(s, lock.NewManager(s), "events", "g", "alive")
	reclaimed, err := alive.ReclaimStale(ctx, 20*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 2 || reclaimed[0].ID != ids[0] || reclaimed[1].ID != ids[1] {
		t.Fatalf("expected the dead consumer's entries, got %+v", reclaimed)
	}

	pending, err := alive.PendingSummary(ctx, 10)
	if err != nil {
		t.Fatalf("pending summary: %v", err)
	}
	for _, p := range pending {
		if p.Consumer != "alive" {
			t.Fatalf("entry %s still owned by %s", p.ID, p.Consumer)
		}
		if p.DeliveryCount != 2 {
			t.Fatalf("delivery count must increase on transfer: %+v", p)
		}
	}
}

func TestReclaimSkipsFreshEntries(t *testing.T) {
	s := store.NewMemory()
	busy, ctx := newGroup(t, s, "busy")
	appendN(t, s, 1)

	if _, err := busy.ReadNew(ctx, 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	alive := NewCoordinator(s, lock.NewManager(s), "events", "g", "alive")
	reclaimed, err := alive.ReclaimStale(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("entries still being worked must not be reclaimed: %+v", reclaimed)
	}
}

func TestReclaimYieldsWhileAnotherReclaims(t *testing.T) {
	s := store.NewMemory()
	dead, ctx := newGroup(t, s, "dead")
	appendN(t, s, 1)
	if _, err := dead.ReadNew(ctx, 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Another process already holds the reclaim guard.
	locks := lock.NewManager(s)
	guard, held, err := locks.Acquire(ctx, "reclaim:events:g", lock.Options{Lease: time.Minute})
	if err != nil || !held {
		t.Fatalf("guard acquire: held %v err %v", held, err)
	}

	alive := NewCoordinator(s, lock.NewManager(s), "events", "g", "alive")
	reclaimed, err := alive.ReclaimStale(ctx, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("reclaim under contention must not fail: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("reclaim must yield while another reclaimer holds the guard: %+v", reclaimed)
	}

	if _, err := guard.Release(ctx); err != nil {
		t.Fatalf("guard release: %v", err)
	}
	reclaimed, err = alive.ReclaimStale(ctx, 10*time.Millisecond, 10)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim after the guard frees: %+v err %v", reclaimed, err)
	}
}

func TestReadNewBlocksUntilAppend(t *testing.T) {
	s := store.NewMemory()
	c, ctx := newGroup(t, s, "c1")

	done := make(chan []store.Entry, 1)
	go func() {
		entries, _ := c.ReadNew(ctx, 10, time.Second)
		done <- entries
	}()
	time.Sleep(20 * time.Millisecond)
	appendN(t, s, 1)
	select {
	case entries := <-done:
		if len(entries) != 1 {
			t.Fatalf("expected the append to wake the reader: %+v", entries)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken")
	}
}

func TestRemoveConsumer(t *testing.T) {
	s := store.NewMemory()
	c, ctx := newGroup(t, s, "c1")
	appendN(t, s, 2)
	if _, err := c.ReadNew(ctx, 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	n, err := c.RemoveConsumer(ctx, "c1")
	if err != nil || n != 2 {
		t.Fatalf("remove consumer: n %d err %v", n, err)
	}
	pending, _ := c.PendingSummary(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("removed consumer must leave no pending entries: %+v", pending)
	}
}

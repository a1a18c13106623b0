package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tandem/v1/lock"
	"github.com/mirkobrombin/go-tandem/v1/presets"
)

// Smoke-tests the coordination layer against a real Redis: locks two ways,
// floods a stream, lets competing consumers drain it and recovers the
// entries a deliberately crashed consumer left pending.
func main() {
	redisAddr := flag.String("redis-addr", "", "Redis address (defaults to TANDEM_REDIS_ADDR)")
	entries := flag.Int("entries", 100, "Number of entries to append")
	consumers := flag.Int("consumers", 3, "Number of competing consumers")
	flag.Parse()

	opts := presets.FromEnv()
	if *redisAddr != "" {
		opts.Addr = *redisAddr
	}
	tandem := presets.NewRedis(opts)
	defer tandem.Close()

	ctx := context.Background()
	if status := tandem.Store.Health(ctx); !status.Healthy {
		log.Fatalf("store unreachable at %s: %v", opts.Addr, status.Err)
	}

	// Lock smoke: two blocking contenders, one resource.
	lease, held, err := tandem.Locks.Acquire(ctx, "smoke", lock.Options{Lease: 10 * time.Second})
	if err != nil || !held {
		log.Fatalf("lock acquire: held %v err %v", held, err)
	}
	if _, held, _ := tandem.Locks.Acquire(ctx, "smoke", lock.Options{Lease: 10 * time.Second}); held {
		log.Fatal("second acquire must not win")
	}
	if ok, err := lease.Release(ctx); err != nil || !ok {
		log.Fatalf("lock release: ok %v err %v", ok, err)
	}
	fmt.Println("lock: ok")

	stream := fmt.Sprintf("smoke:%d", time.Now().UnixNano())
	seed := tandem.Group(stream, "smoke-group")
	if err := seed.CreateGroup(ctx, "0"); err != nil {
		log.Fatal(err)
	}

	for i := 0; i < *entries; i++ {
		if _, err := tandem.Producer.Append(ctx, stream, map[string]string{
			"seq": fmt.Sprintf("%d", i),
		}); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Printf("produced %d entries\n", *entries)

	// A consumer that reads and dies without acking.
	dead := tandem.GroupAs(stream, "smoke-group", "smoke-dead")
	stranded, err := dead.ReadNew(ctx, 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("dead consumer stranded %d entries\n", len(stranded))

	var g errgroup.Group
	for i := 0; i < *consumers; i++ {
		c := tandem.GroupAs(stream, "smoke-group", fmt.Sprintf("smoke-worker-%d", i))
		g.Go(func() error {
			for {
				batch, err := c.ReadNew(ctx, 10, 500*time.Millisecond)
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					return nil
				}
				ids := make([]string, len(batch))
				for j, e := range batch {
					ids[j] = e.ID
				}
				if _, err := c.Ack(ctx, ids...); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	rescuer := tandem.GroupAs(stream, "smoke-group", "smoke-rescuer")
	reclaimed, err := rescuer.ReclaimStale(ctx, 0, 100)
	if err != nil {
		log.Fatal(err)
	}
	if len(reclaimed) != len(stranded) {
		log.Fatalf("expected to reclaim %d stranded entries, got %d", len(stranded), len(reclaimed))
	}
	ids := make([]string, len(reclaimed))
	for i, e := range reclaimed {
		ids[i] = e.ID
	}
	if _, err := rescuer.Ack(ctx, ids...); err != nil {
		log.Fatal(err)
	}

	left, err := rescuer.PendingSummary(ctx, 10)
	if err != nil {
		log.Fatal(err)
	}
	if len(left) != 0 {
		log.Fatalf("expected an empty pending set, got %d entries", len(left))
	}
	fmt.Println("stream: ok")
}

package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	tanderrors "github.com/mirkobrombin/go-tandem/v1/errors"
	"github.com/mirkobrombin/go-tandem/v1/metrics"
)

// delIfEqualScript removes the key only when it still holds the expected
// value. Running it server side avoids the read-then-delete race.
var delIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// expireIfEqualScript resets the TTL only when the key still holds the
// expected value. Same race as above, applied to lease extension.
var expireIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis implements Store using a Redis backend. The go-redis client owns the
// connection pool; every command checks a connection out and returns it on
// completion regardless of outcome.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a new Redis store with its own client built from opts.
func NewRedis(opts RedisOptions) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}))
}

// NewRedisWithClient returns a new Redis store using the provided client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("setnx", err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return v, true, nil
}

// DeleteIfEquals implements Store.DeleteIfEquals.
func (s *Redis) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := delIfEqualScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil && err != redis.Nil {
		return false, wrap("delifequal", err)
	}
	return n == 1, nil
}

// ExpireIfEquals implements Store.ExpireIfEquals.
func (s *Redis) ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := expireIfEqualScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, wrap("expireifequal", err)
	}
	return n == 1, nil
}

// Append implements Store.Append.
func (s *Redis) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", wrap("xadd", err)
	}
	return id, nil
}

// Read implements Store.Read.
func (s *Redis) Read(ctx context.Context, stream, from string, count int64) ([]Entry, error) {
	if from == "" {
		from = "-"
	}
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, stream, from, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, stream, from, "+").Result()
	}
	if err != nil {
		return nil, wrap("xrange", err)
	}
	return toEntries(msgs), nil
}

// CreateGroup implements Store.CreateGroup. The BUSYGROUP reply from an
// already-existing group is swallowed.
func (s *Redis) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return wrap("xgroup create", err)
	}
	return nil
}

// ReadGroup implements Store.ReadGroup.
func (s *Redis) ReadGroup(ctx context.Context, a ReadGroupArgs) ([]Entry, error) {
	start := ">"
	block := a.Block
	if a.Pending {
		start = "0"
		block = -1
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    a.Group,
		Consumer: a.Consumer,
		Streams:  []string{a.Stream, start},
		Count:    a.Count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("xreadgroup", err)
	}
	var entries []Entry
	for _, st := range res {
		if st.Stream == a.Stream {
			entries = append(entries, toEntries(st.Messages)...)
		}
	}
	return entries, nil
}

// Ack implements Store.Ack.
func (s *Redis) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, wrap("xack", err)
	}
	return n, nil
}

// Pending implements Store.Pending.
func (s *Redis) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("xpending", err)
	}
	pending := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		pending = append(pending, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return pending, nil
}

// Claim implements Store.Claim. XCLAIM re-checks min-idle server side, so
// entries claimed by a racing consumer in the meantime are dropped from the
// reply instead of being transferred twice.
func (s *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("xclaim", err)
	}
	return toEntries(msgs), nil
}

// RemoveConsumer implements Store.RemoveConsumer.
func (s *Redis) RemoveConsumer(ctx context.Context, stream, group, consumer string) (int64, error) {
	n, err := s.client.XGroupDelConsumer(ctx, stream, group, consumer).Result()
	if err != nil {
		return 0, wrap("xgroup delconsumer", err)
	}
	return n, nil
}

// Health implements Store.Health.
func (s *Redis) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	status := HealthStatus{
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
		Err:          err,
	}
	if status.Healthy {
		metrics.StoreHealthyGauge.Set(1)
	} else {
		metrics.StoreHealthyGauge.Set(0)
	}
	return status
}

// Close releases the underlying client and its connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = fmt.Sprint(v)
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries
}

// wrap folds transport-level failures into ErrStoreUnavailable so the retry
// engine can recognize them; logical errors pass through unchanged.
func wrap(op string, err error) error {
	if transient(err) {
		return fmt.Errorf("%s: %w: %v", op, tanderrors.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if stderrors.As(err, &ne) {
		return true
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	// Pool exhaustion and transient server states behave like outages.
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "pool timeout") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "READONLY")
}

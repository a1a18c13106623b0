package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tanderrors "github.com/mirkobrombin/go-tandem/v1/errors"
)

type kvItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memPending struct {
	consumer      string
	deliveryCount int64
	lastDelivery  time.Time
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*memPending
	consumers     map[string]struct{}
}

type memStream struct {
	entries []Entry
	lastMs  int64
	lastSeq int64
	groups  map[string]*memGroup
	notify  chan struct{}
}

// Memory implements Store entirely in process. It exists for tests and
// single-process development; semantics mirror the Redis backend, including
// lazy key expiry and min-idle re-checks on claim.
type Memory struct {
	mu      sync.Mutex
	kv      map[string]kvItem
	streams map[string]*memStream
}

// NewMemory returns a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]kvItem),
		streams: make(map[string]*memStream),
	}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveKV(key); ok {
		return false, nil
	}
	item := kvItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = item
	return true, nil
}

// Get implements Store.Get.
func (s *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.liveKV(key)
	if !ok {
		return "", false, nil
	}
	return item.value, true, nil
}

// DeleteIfEquals implements Store.DeleteIfEquals.
func (s *Memory) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.liveKV(key)
	if !ok || item.value != expected {
		return false, nil
	}
	delete(s.kv, key)
	return true, nil
}

// ExpireIfEquals implements Store.ExpireIfEquals.
func (s *Memory) ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.liveKV(key)
	if !ok || item.value != expected {
		return false, nil
	}
	item.expiresAt = time.Now().Add(ttl)
	s.kv[key] = item
	return true, nil
}

// liveKV returns the item for key, dropping it first if its TTL elapsed.
// Callers must hold s.mu.
func (s *Memory) liveKV(key string) (kvItem, bool) {
	item, ok := s.kv[key]
	if !ok {
		return kvItem{}, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(s.kv, key)
		return kvItem{}, false
	}
	return item, true
}

// Append implements Store.Append.
func (s *Memory) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	s.mu.Lock()
	st := s.stream(stream)
	ms := time.Now().UnixMilli()
	if ms <= st.lastMs {
		ms = st.lastMs
		st.lastSeq++
	} else {
		st.lastMs = ms
		st.lastSeq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, st.lastSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, Entry{ID: id, Fields: copied})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		st.entries = st.entries[int64(len(st.entries))-maxLen:]
	}
	close(st.notify)
	st.notify = make(chan struct{})
	s.mu.Unlock()
	return id, nil
}

// Read implements Store.Read.
func (s *Memory) Read(ctx context.Context, stream, from string, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, e := range st.entries {
		if from != "" && from != "-" && idLess(e.ID, from) {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// CreateGroup implements Store.CreateGroup.
func (s *Memory) CreateGroup(ctx context.Context, stream, group, start string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(stream)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	g := &memGroup{
		pending:   make(map[string]*memPending),
		consumers: make(map[string]struct{}),
	}
	switch start {
	case "$":
		if n := len(st.entries); n > 0 {
			g.lastDelivered = st.entries[n-1].ID
		}
	case "", "0":
		// deliver from the beginning
	default:
		g.lastDelivered = start
	}
	st.groups[group] = g
	return nil
}

// ReadGroup implements Store.ReadGroup.
func (s *Memory) ReadGroup(ctx context.Context, a ReadGroupArgs) ([]Entry, error) {
	if a.Pending {
		return s.readOwnPending(a)
	}
	deadline := time.Time{}
	if a.Block > 0 {
		deadline = time.Now().Add(a.Block)
	}
	for {
		entries, notify, err := s.readNewLocked(a)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if a.Block < 0 {
			return nil, nil
		}
		wait := time.Duration(0)
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
		}
		if err := waitNotify(ctx, notify, wait); err != nil {
			return nil, err
		}
	}
}

func (s *Memory) readNewLocked(a ReadGroupArgs) ([]Entry, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.group(a.Stream, a.Group)
	if err != nil {
		return nil, nil, err
	}
	g.consumers[a.Consumer] = struct{}{}
	now := time.Now()
	var out []Entry
	for _, e := range st.entries {
		if g.lastDelivered != "" && !idLess(g.lastDelivered, e.ID) {
			continue
		}
		g.pending[e.ID] = &memPending{consumer: a.Consumer, deliveryCount: 1, lastDelivery: now}
		g.lastDelivered = e.ID
		out = append(out, e)
		if a.Count > 0 && int64(len(out)) >= a.Count {
			break
		}
	}
	return out, st.notify, nil
}

func (s *Memory) readOwnPending(a ReadGroupArgs) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.group(a.Stream, a.Group)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, p := range g.pending {
		if p.consumer == a.Consumer {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	var out []Entry
	for _, id := range ids {
		if e, ok := st.entry(id); ok {
			out = append(out, e)
		}
		if a.Count > 0 && int64(len(out)) >= a.Count {
			break
		}
	}
	return out, nil
}

// Ack implements Store.Ack.
func (s *Memory) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.group(stream, group)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// Pending implements Store.Pending.
func (s *Memory) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.group(stream, group)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []PendingEntry
	for id, p := range g.pending {
		idle := now.Sub(p.lastDelivery)
		if idle < minIdle {
			continue
		}
		out = append(out, PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          idle,
			DeliveryCount: p.deliveryCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

// Claim implements Store.Claim.
func (s *Memory) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.group(stream, group)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.lastDelivery) < minIdle {
			continue
		}
		e, ok := st.entry(id)
		if !ok {
			// Entry trimmed away; drop the dangling pending record.
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.deliveryCount++
		p.lastDelivery = now
		g.consumers[consumer] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// RemoveConsumer implements Store.RemoveConsumer.
func (s *Memory) RemoveConsumer(ctx context.Context, stream, group, consumer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.group(stream, group)
	if err != nil {
		return 0, err
	}
	var n int64
	for id, p := range g.pending {
		if p.consumer == consumer {
			delete(g.pending, id)
			n++
		}
	}
	delete(g.consumers, consumer)
	return n, nil
}

// Health implements Store.Health.
func (s *Memory) Health(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true}
}

// Close implements Store.Close.
func (s *Memory) Close() error { return nil }

// stream returns the named stream, creating it if missing. Callers must
// hold s.mu.
func (s *Memory) stream(name string) *memStream {
	st, ok := s.streams[name]
	if !ok {
		st = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		s.streams[name] = st
	}
	return st
}

// group resolves stream and group or fails like the Redis NOGROUP reply.
// Callers must hold s.mu.
func (s *Memory) group(stream, group string) (*memStream, *memGroup, error) {
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("no such stream %q: %w", stream, tanderrors.ErrNotFound)
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("no such group %q on %q: %w", group, stream, tanderrors.ErrNotFound)
	}
	return st, g, nil
}

func (st *memStream) entry(id string) (Entry, bool) {
	for _, e := range st.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func waitNotify(ctx context.Context, notify <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case <-notify:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-notify:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idLess compares two stream ids in the store's "<ms>-<seq>" form.
func idLess(a, b string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitID(id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	m, _ := strconv.ParseInt(ms, 10, 64)
	if !ok {
		return m, 0
	}
	n, _ := strconv.ParseInt(seq, 10, 64)
	return m, n
}

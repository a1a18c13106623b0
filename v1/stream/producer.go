package stream

import (
	"context"

	"github.com/mirkobrombin/go-tandem/v1/metrics"
	"github.com/mirkobrombin/go-tandem/v1/retry"
	"github.com/mirkobrombin/go-tandem/v1/store"
)

// Producer appends entries to streams. The zero MaxLen leaves streams
// unbounded; a positive value bounds them with approximate trimming, so a
// stream may briefly hold a few more entries than the limit.
type Producer struct {
	store  store.Store
	policy retry.Policy
	maxLen int64
}

// ProducerOption customizes a Producer.
type ProducerOption func(*Producer)

// WithMaxLen bounds produced streams to roughly n entries.
func WithMaxLen(n int64) ProducerOption {
	return func(p *Producer) { p.maxLen = n }
}

// WithProducerRetryPolicy sets the resilience policy for appends.
func WithProducerRetryPolicy(pol retry.Policy) ProducerOption {
	return func(p *Producer) { p.policy = pol }
}

// NewProducer returns a new Producer over the given store.
func NewProducer(s store.Store, opts ...ProducerOption) *Producer {
	p := &Producer{store: s, policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Append adds an entry to the stream and returns its store-assigned id.
// Appends are retried on transient failures: a duplicate entry from an
// ambiguous first attempt is acceptable under at-least-once delivery.
func (p *Producer) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	var id string
	err := p.policy.Do(ctx, "stream.append", func(ctx context.Context) error {
		var err error
		id, err = p.store.Append(ctx, stream, fields, p.maxLen)
		return err
	})
	if err != nil {
		return "", err
	}
	metrics.AppendCounter.Inc()
	return id, nil
}

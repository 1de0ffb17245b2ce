// Package stream forwards flagged audit events to a Kafka topic for the
// security review tooling that consumes them. Delivery is best-effort: the
// event is already durable in the audit store when it is published.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"auditvault/internal/audit/metrics"
	"auditvault/internal/audit/models"
	"auditvault/pkg/platform/circuit"
)

const (
	DefaultTopic   = "audit.flagged"
	defaultTimeout = 5 * time.Second
)

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher publishes flagged events keyed by actor id, so one actor's
// events stay ordered within a partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*KafkaPublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *KafkaPublisher) {
		p.metrics = m
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *KafkaPublisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *KafkaPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewKafkaPublisher(producer Producer, topic string, opts ...Option) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		timeout:  defaultTimeout,
		breaker:  circuit.New("audit-flag-stream"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishFlagged sends e and never returns an error: failures are logged and
// counted, and a tripped breaker skips publishing until the broker recovers.
func (p *KafkaPublisher) PublishFlagged(ctx context.Context, e models.Event) {
	if !p.breaker.Allow() {
		p.metrics.IncStreamSkipped()
		return
	}

	value, err := json.Marshal(e)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode flagged event", "event_id", e.ID, "error", err)
		p.metrics.IncStreamFailure()
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.ActorID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(e.ID.String())},
			{Key: "severity", Value: []byte(e.Severity)},
			{Key: "action", Value: []byte(e.Action)},
		},
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.metrics.IncStreamFailure()
		_, change := p.breaker.RecordFailure()
		if change.Opened {
			p.metrics.SetStreamCircuitOpen(true)
			p.logger.WarnContext(ctx, "flag stream circuit opened", "topic", p.topic)
		}
		p.logger.WarnContext(ctx, "failed to publish flagged event",
			"event_id", e.ID,
			"topic", p.topic,
			"error", err,
		)
		return
	}

	p.metrics.IncStreamPublished()
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.metrics.SetStreamCircuitOpen(false)
		p.logger.InfoContext(ctx, "flag stream circuit closed", "topic", p.topic)
	}
}

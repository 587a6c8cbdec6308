// Package events publishes recognition events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes each event to a single topic keyed by participant. When
// Kafka is disabled it only logs.
type Publisher struct {
	writer    messageWriter
	topic     string
	principal string
	enabled   bool
	log       *slog.Logger

	published metric.Int64Counter
	latency   metric.Float64Histogram
}

// New creates a publisher from cfg.
func New(cfg config.KafkaConfig, log *slog.Logger) *Publisher {
	log = log.With(slog.String("component", "events"))
	p := &Publisher{
		topic:     cfg.Topic,
		principal: cfg.Principal,
		log:       log,
	}
	p.initMetrics()

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true

	log.Info("kafka publisher initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
		slog.String("principal", cfg.Principal))
	return p
}

func (p *Publisher) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/events")
	published, err := meter.Int64Counter("scribe.kafka.published", metric.WithDescription("Kafka publish attempts by outcome"))
	if err != nil {
		p.log.Warn("failed to create kafka counter", slog.String("error", err.Error()))
	}
	latency, err := meter.Float64Histogram("scribe.kafka.publish.duration", metric.WithUnit("s"))
	if err != nil {
		p.log.Warn("failed to create kafka histogram", slog.String("error", err.Error()))
	}
	p.published = published
	p.latency = latency
}

// Enabled reports whether messages reach a broker.
func (p *Publisher) Enabled() bool { return p.enabled }

// Publish sends evt to the configured topic.
func (p *Publisher) Publish(ctx context.Context, evt feed.Event) error {
	start := time.Now()

	payload, err := json.Marshal(protocol.FromEvent(evt))
	if err != nil {
		return fmt.Errorf("marshal recognition: %w", err)
	}

	p.log.Debug("publishing event",
		slog.String("topic", p.topic),
		slog.String("key", evt.Participant),
		slog.String("payload", string(payload)))

	if !p.enabled || p.writer == nil {
		p.record(ctx, "logged", start)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(evt.Participant),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(protocol.RecognitionSubject("", evt.Source))},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.record(ctx, "error", start)
		return fmt.Errorf("write to kafka topic %s: %w", p.topic, err)
	}
	p.record(ctx, "ok", start)
	return nil
}

func (p *Publisher) record(ctx context.Context, outcome string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("topic", p.topic), attribute.String("outcome", outcome))
	if p.published != nil {
		p.published.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

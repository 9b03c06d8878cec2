package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cryptobot/internal/event"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends order events to a Kafka topic, keyed per order.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger
	failed  atomic.Uint64
}

// NewKafkaPublisher constructs a writer compatible with kafka-go v0.4.x.
// The writer is asynchronous: Publish only enqueues, and batches that fail
// to reach the broker are logged and counted by Failed.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		Dialer:       dialer,
		BatchTimeout: 200 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
	p := newKafkaPublisher(w, topic)
	w.Async = true
	w.Completion = p.completed
	return p, nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  slog.Default().With("module", "kafka_publisher"),
	}
}

// EnsureTopic attempts to create the topic (best-effort).
func EnsureTopic(ctx context.Context, broker, topic string) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		slog.Warn("ensureTopic: dial failed", slog.String("broker", broker), slog.Any("error", err))
		return
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		slog.Info("ensureTopic: create failed (ok if exists)", slog.String("topic", topic), slog.Any("error", err))
	}
}

// Publish writes one event. The write has its own deadline so a shutting
// down caller still flushes the event. With an async writer the call returns
// once the message is queued.
func (p *KafkaPublisher) Publish(ctx context.Context, ev event.OrderEvent) error {
	value, err := event.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", ev.Kind, err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	msg := kafka.Message{Key: ev.Key(), Value: value, Time: ev.Timestamp}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("kafka: write %s to %s: %w", ev.Kind, p.topic, err)
	}
	return nil
}

// completed is called by the async writer once per batch.
func (p *KafkaPublisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.failed.Add(uint64(len(msgs)))
	p.logger.Warn("Kafka batch failed",
		slog.String("topic", p.topic),
		slog.Int("messages", len(msgs)),
		slog.Any("error", err),
	)
}

// Failed returns how many events the broker never acknowledged.
func (p *KafkaPublisher) Failed() uint64 {
	return p.failed.Load()
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

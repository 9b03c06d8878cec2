package event

import (
	"context"
	"errors"
	"log/slog"
)

// Publisher delivers order events to downstream consumers.
// Publish failures never affect the order operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
	Close() error
}

// LogPublisher writes events to the structured log. It is the default sink
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: slog.Default().With("module", "order_events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev OrderEvent) error {
	p.logger.Info("Order event",
		slog.String("kind", string(ev.Kind)),
		slog.Uint64("order_id", ev.OrderID),
		slog.Uint64("user_id", ev.UserID),
		slog.String("symbol", ev.Symbol),
		slog.String("status", string(ev.Status)),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Fanout publishes every event to all sinks and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev OrderEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

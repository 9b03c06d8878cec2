package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cryptobot/internal/domain"
	"cryptobot/internal/event"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "cryptobot.orders")

	order := &domain.Order{
		ID:            1,
		ClientOrderID: "abc",
		Symbol:        "ETHUSDT",
		Side:          domain.SideSell,
		Quantity:      decimal.RequireFromString("1.5"),
		Status:        domain.OrderStatusFilled,
	}
	require.NoError(t, p.Publish(context.Background(), event.NewOrderEvent(event.OrderReconciled, order)))
	require.Len(t, w.msgs, 1)

	assert.Equal(t, "ETHUSDT:abc", string(w.msgs[0].Key))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &payload))
	assert.Equal(t, "order.reconciled", payload["kind"])
	assert.Equal(t, "FILLED", payload["status"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{err: errors.New("leader not available")}, "t")

	err := p.Publish(context.Background(), event.OrderEvent{Kind: event.OrderPlaced})
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestNewKafkaPublisher_Async(t *testing.T) {
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "cryptobot.orders")
	require.NoError(t, err)
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async, "Publish must not wait for the broker")
	assert.NotNil(t, w.Completion)
}

func TestKafkaPublisher_CompletedCountsFailures(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{}, "t")
	batch := []kafka.Message{{Key: []byte("a")}, {Key: []byte("b")}}

	p.completed(batch, nil)
	assert.Zero(t, p.Failed())

	p.completed(batch, errors.New("broker unreachable"))
	p.completed(batch[:1], errors.New("broker unreachable"))
	assert.Equal(t, uint64(3), p.Failed())
}

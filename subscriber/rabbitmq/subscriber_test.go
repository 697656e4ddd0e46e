package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliverFunc func(ctx context.Context, e *gbx.Envelope) gbx.Disposition

func (f deliverFunc) Deliver(ctx context.Context, e *gbx.Envelope) gbx.Disposition {
	return f(ctx, e)
}

func TestNew(t *testing.T) {
	ack := deliverFunc(func(context.Context, *gbx.Envelope) gbx.Disposition { return gbx.Ack })
	assert.Panics(t, func() { New(nil, ack, Settings{}) })
	assert.Panics(t, func() { New(&test.MockedAmqpConsumer{}, nil, Settings{}) })
	s := New(&test.MockedAmqpConsumer{}, ack, Settings{Queue: "venues"})
	assert.Equal(t, 10, s.settings.Prefetch)
}

func TestRun(t *testing.T) {
	cause := uuid.New()
	e := gbx.NewEnvelope(gbx.TraceFrom(uuid.New(), cause), "VenueCreated", []byte(`{}`))
	testcases := []struct {
		name        string
		disposition gbx.Disposition
		delivery    func(ack amqp.Acknowledger) amqp.Delivery
		wantAcked   int
		wantNacked  int
	}{
		{
			name:        "handled delivery is acked",
			disposition: gbx.Ack,
			delivery:    func(ack amqp.Acknowledger) amqp.Delivery { return NewDelivery(e, ack, 1) },
			wantAcked:   1,
		},
		{
			name:        "failed delivery is nacked with requeue",
			disposition: gbx.Nack,
			delivery:    func(ack amqp.Acknowledger) amqp.Delivery { return NewDelivery(e, ack, 1) },
			wantNacked:  1,
		},
		{
			name:        "delivery without a message id is discarded",
			disposition: gbx.Nack,
			delivery: func(ack amqp.Acknowledger) amqp.Delivery {
				d := NewDelivery(e, ack, 1)
				d.MessageId = ""
				return d
			},
			wantAcked: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &test.MockedAcknowledger{}
			consumer := &test.MockedAmqpConsumer{Deliveries: make(chan amqp.Delivery, 1)}
			var got *gbx.Envelope
			s := New(consumer, deliverFunc(func(_ context.Context, in *gbx.Envelope) gbx.Disposition {
				got = in
				return tc.disposition
			}), Settings{Queue: "venues", Prefetch: 5})

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()
			consumer.Deliveries <- tc.delivery(ack)

			assert.Eventually(t, func() bool {
				acked, nacked := ack.Counts()
				return acked+nacked == 1
			}, time.Second, 5*time.Millisecond)
			cancel()
			require.NoError(t, <-done)

			acked, nacked := ack.Counts()
			assert.Equal(t, tc.wantAcked, acked)
			assert.Equal(t, tc.wantNacked, nacked)
			assert.Equal(t, 5, consumer.Prefetch)
			if tc.wantNacked > 0 {
				assert.Equal(t, []bool{true}, ack.Requeue)
			}
			if got != nil {
				assert.Equal(t, e.EventId, got.EventId)
				assert.Equal(t, cause, got.CausationId)
				assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	ack := deliverFunc(func(context.Context, *gbx.Envelope) gbx.Disposition { return gbx.Ack })

	s := New(&test.MockedAmqpConsumer{QosErr: errors.New("channel closed")}, ack, Settings{Queue: "venues"})
	assert.EqualError(t, s.Run(context.Background()), "could not set the prefetch count: channel closed")

	s = New(&test.MockedAmqpConsumer{ConsumeErr: errors.New("no queue")}, ack, Settings{Queue: "venues"})
	assert.EqualError(t, s.Run(context.Background()), "could not consume from venues: no queue")

	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	s = New(&test.MockedAmqpConsumer{Deliveries: deliveries}, ack, Settings{Queue: "venues"})
	assert.ErrorIs(t, s.Run(context.Background()), ErrDeliveriesClosed)
}

func TestToEnvelope_createdAt(t *testing.T) {
	e := gbx.NewEnvelope(gbx.NewTrace(), "VenueCreated", []byte(`{}`))
	testcases := []struct {
		name     string
		delivery func() amqp.Delivery
		want     time.Time
	}{
		{
			name: "microseconds header wins over the amqp timestamp",
			delivery: func() amqp.Delivery {
				d := NewDelivery(e, nil, 1)
				d.Timestamp = e.CreatedAt.Truncate(time.Second)
				return d
			},
			want: e.CreatedAt,
		},
		{
			name: "amqp timestamp is used without the header",
			delivery: func() amqp.Delivery {
				d := NewDelivery(e, nil, 1)
				delete(d.Headers, gbx.HeaderCreatedAt)
				d.Timestamp = e.CreatedAt.Truncate(time.Second)
				return d
			},
			want: e.CreatedAt.Truncate(time.Second),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := toEnvelope(tc.delivery())
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got.CreatedAt), "want %s, got %s", tc.want, got.CreatedAt)
		})
	}
}

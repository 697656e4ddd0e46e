package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sportsdata/gobox/gbx"
)

var ErrDeliveriesClosed = errors.New("the delivery channel was closed")

// amqpChannel is the subset of *amqp.Channel used to consume.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type Settings struct {
	Queue    string
	Tag      string // consumer tag, generated by the broker when empty
	Prefetch int
}

// Subscriber acks a delivery once the deliverer is done with it and nacks
// it with requeue otherwise.
type Subscriber struct {
	channel   amqpChannel
	deliverer gbx.Deliverer
	settings  Settings
	logger    gbx.Logger
}

var _ gbx.Loggable = (*Subscriber)(nil)

func New(ch amqpChannel, d gbx.Deliverer, s Settings) *Subscriber {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("Channel is mandatory")
	}
	if d == nil {
		panic("Deliverer is mandatory")
	}
	if s.Prefetch <= 0 {
		s.Prefetch = 10
	}
	return &Subscriber{channel: ch, deliverer: d, settings: s, logger: &gbx.NopLogger{}}
}

func (s *Subscriber) SetLogger(l gbx.Logger) {
	s.logger = l
}

// Run consumes until ctx is cancelled. Unacknowledged deliveries are
// returned to the queue by the broker when the channel closes.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.channel.Qos(s.settings.Prefetch, 0, false); err != nil {
		return fmt.Errorf("could not set the prefetch count: %w", err)
	}
	deliveries, err := s.channel.Consume(s.settings.Queue, s.settings.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not consume from %s: %w", s.settings.Queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery) {
	e, err := toEnvelope(d)
	if err != nil {
		s.logger.Error(fmt.Sprintf("discarding delivery %d", d.DeliveryTag), err)
		s.settle(d, d.Ack(false))
		return
	}
	if s.deliverer.Deliver(ctx, e) == gbx.Ack {
		s.settle(d, d.Ack(false))
		return
	}
	s.settle(d, d.Nack(false, true))
}

func (s *Subscriber) settle(d amqp.Delivery, err error) {
	if err != nil {
		s.logger.Error(fmt.Sprintf("could not settle delivery %d", d.DeliveryTag), err)
	}
}

func toEnvelope(d amqp.Delivery) (*gbx.Envelope, error) {
	h := map[string]string{
		gbx.HeaderEventId:       d.MessageId,
		gbx.HeaderEventType:     d.Type,
		gbx.HeaderCorrelationId: d.CorrelationId,
	}
	if v, ok := d.Headers["causation_id"].(string); ok {
		h[gbx.HeaderCausationId] = v
	}
	createdAt, precise := d.Headers[gbx.HeaderCreatedAt].(string)
	if precise {
		h[gbx.HeaderCreatedAt] = createdAt
	}
	e, err := gbx.EnvelopeFromHeaders(h, d.Body)
	if err != nil {
		return nil, err
	}
	if !precise && !d.Timestamp.IsZero() {
		e.CreatedAt = d.Timestamp
	}
	return e, nil
}

// NewDelivery builds the delivery a broker would hand out for e. It is used
// to feed envelopes through the same path in tests and tools.
func NewDelivery(e *gbx.Envelope, ack amqp.Acknowledger, tag uint64) amqp.Delivery {
	headers := amqp.Table{gbx.HeaderCreatedAt: e.Headers()[gbx.HeaderCreatedAt]}
	if e.CausationId != uuid.Nil {
		headers["causation_id"] = e.CausationId.String()
	}
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   tag,
		Headers:       headers,
		MessageId:     e.EventId.String(),
		CorrelationId: e.CorrelationId.String(),
		Type:          string(e.EventType),
		Timestamp:     e.CreatedAt,
		Body:          e.Payload,
	}
}

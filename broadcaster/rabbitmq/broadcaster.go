package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sportsdata/gobox/gbx"
)

const transport = "rabbitmq"

var (
	errNacked       = errors.New("the broker refused the message")
	errConfirmsLost = errors.New("the confirmation channel was closed")
)

// amqpChannel is the subset of *amqp.Channel used to publish with
// publisher confirms.
type amqpChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Broadcaster publishes envelopes to a topic exchange and waits for the
// broker confirmation. Publishes are serialized on the channel.
type Broadcaster struct {
	mu       sync.Mutex
	channel  amqpChannel
	exchange string
	confirms chan amqp.Confirmation
	tag      uint64 // delivery tag of the last publishing
	logger   gbx.Logger
}

var _ gbx.Broadcaster = (*Broadcaster)(nil)
var _ gbx.Loggable = (*Broadcaster)(nil)

// New puts the channel in confirm mode.
func New(ch amqpChannel, exchange string) (*Broadcaster, error) {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("Channel is mandatory")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("could not put the channel in confirm mode: %w", err)
	}
	return &Broadcaster{
		channel:  ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		logger:   &gbx.NopLogger{},
	}, nil
}

func (b *Broadcaster) SetLogger(l gbx.Logger) {
	b.logger = l
}

func (b *Broadcaster) Publish(ctx context.Context, e *gbx.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.channel.PublishWithContext(ctx, b.exchange, RoutingKey(e.EventType), false, false, buildPublishing(e))
	if err != nil {
		return gbx.NewPublishError(transport, e.EventId, err)
	}
	b.tag++

	for {
		select {
		case <-ctx.Done():
			return gbx.NewPublishError(transport, e.EventId, ctx.Err())
		case c, ok := <-b.confirms:
			if !ok {
				return gbx.NewPublishError(transport, e.EventId, errConfirmsLost)
			}
			if c.DeliveryTag < b.tag {
				// confirmation of a publishing we stopped waiting for
				b.logger.Debug(fmt.Sprintf("Ignored late confirmation for delivery tag %d", c.DeliveryTag))
				continue
			}
			if !c.Ack {
				return gbx.NewPublishError(transport, e.EventId, errNacked)
			}
			return nil
		}
	}
}

func buildPublishing(e *gbx.Envelope) amqp.Publishing {
	// the amqp timestamp only carries seconds
	headers := amqp.Table{gbx.HeaderCreatedAt: e.Headers()[gbx.HeaderCreatedAt]}
	if !e.IsRoot() {
		headers["causation_id"] = e.CausationId.String()
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     e.EventId.String(),
		CorrelationId: e.CorrelationId.String(),
		Type:          string(e.EventType),
		Timestamp:     e.CreatedAt,
		Body:          e.Payload,
	}
}

// RoutingKey turns an event type into a dotted routing key (e.g.
// "VenueCreated" becomes "venue.created").
func RoutingKey(eventType gbx.EventType) string {
	return strings.ReplaceAll(strcase.ToSnake(string(eventType)), "_", ".")
}

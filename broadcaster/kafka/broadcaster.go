package kafka

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
	"github.com/sportsdata/gobox/gbx"
)

const transport = "kafka"

// kafkaProducer is the subset of *kafka.Producer used to publish.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Broadcaster struct {
	producer kafkaProducer
	logger   gbx.Logger
}

var _ gbx.Broadcaster = (*Broadcaster)(nil)
var _ gbx.Loggable = (*Broadcaster)(nil)

func New(p kafkaProducer) *Broadcaster {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	return &Broadcaster{
		producer: p,
		logger:   &gbx.NopLogger{},
	}
}

func (b *Broadcaster) SetLogger(l gbx.Logger) {
	b.logger = l
}

// Publish produces the envelope and waits for its delivery report.
func (b *Broadcaster) Publish(ctx context.Context, e *gbx.Envelope) error {
	// buffered so a late report does not block the producer once we stop
	// waiting for it
	delivery := make(chan kafka.Event, 1)
	if err := b.producer.Produce(buildMessage(e), delivery); err != nil {
		return gbx.NewPublishError(transport, e.EventId, err)
	}

	for {
		select {
		case <-ctx.Done():
			return gbx.NewPublishError(transport, e.EventId, ctx.Err())
		case ev := <-delivery:
			m, ok := ev.(*kafka.Message)
			if !ok {
				b.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
				continue
			}
			if m.TopicPartition.Error != nil {
				return gbx.NewPublishError(transport, e.EventId, m.TopicPartition.Error)
			}
			b.logger.Debug(fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
				*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
			return nil
		}
	}
}

func buildMessage(e *gbx.Envelope) *kafka.Message {
	topic := BuildTopicName(e.EventType)
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.CorrelationId.String()),
		Value:          e.Payload,
		Headers:        buildHeaders(e),
	}
}

func buildHeaders(e *gbx.Envelope) []kafka.Header {
	h := e.Headers()
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, len(keys))
	for i, k := range keys {
		headers[i] = kafka.Header{Key: k, Value: []byte(h[k])}
	}
	return headers
}

// BuildTopicName builds a topic name from an event type (e.g. if eventType="VenueCreated"
// then topic name is "outbox-venue-created").
func BuildTopicName(eventType gbx.EventType) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(string(eventType)))
}

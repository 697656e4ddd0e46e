package test

import (
	"context"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	amqp "github.com/rabbitmq/amqp091-go"
	kafkago "github.com/segmentio/kafka-go"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event // nil means no report is ever sent
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}
	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		internal <- p.MockedReportToSend
	}
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedAmqpChannel records publishings and answers each of them with the
// configured publisher confirmation.
type MockedAmqpChannel struct {
	mu          sync.Mutex
	Published   []amqp.Publishing
	RoutingKeys []string
	Nack        bool  // confirm with a nack instead of an ack
	NoConfirm   bool  // never confirm
	RetVal      error // returned by PublishWithContext
	confirms    chan amqp.Confirmation
	tag         uint64
}

func (c *MockedAmqpChannel) Confirm(noWait bool) error {
	return nil
}

func (c *MockedAmqpChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *MockedAmqpChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RetVal != nil {
		return c.RetVal
	}
	c.tag++
	c.Published = append(c.Published, msg)
	c.RoutingKeys = append(c.RoutingKeys, key)
	if !c.NoConfirm {
		confirmation := amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.Nack}
		go func() { c.confirms <- confirmation }()
	}
	return nil
}

// ConfirmLate sends a confirmation for an arbitrary delivery tag.
func (c *MockedAmqpChannel) ConfirmLate(tag uint64, ack bool) {
	c.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

// MockedAcknowledger records what the subscriber did with each delivery.
type MockedAcknowledger struct {
	mu      sync.Mutex
	Acked   []uint64
	Nacked  []uint64
	Requeue []bool
}

var _ amqp.Acknowledger = (*MockedAcknowledger)(nil)

func (a *MockedAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked = append(a.Acked, tag)
	return nil
}

func (a *MockedAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	a.Requeue = append(a.Requeue, requeue)
	return nil
}

func (a *MockedAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Counts returns the number of acked and nacked deliveries.
func (a *MockedAcknowledger) Counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acked), len(a.Nacked)
}

// MockedKafkaReader serves a fixed list of messages and records commits.
type MockedKafkaReader struct {
	mu        sync.Mutex
	Messages  []kafkago.Message
	Committed []kafkago.Message
	Closed    bool
	next      int
}

func (r *MockedKafkaReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if r.next < len(r.Messages) {
		m := r.Messages[r.next]
		r.next++
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *MockedKafkaReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Committed = append(r.Committed, msgs...)
	return nil
}

func (r *MockedKafkaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}

// CommittedCount returns how many messages were committed so far.
func (r *MockedKafkaReader) CommittedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Committed)
}

// MockedAmqpConsumer hands out the deliveries pushed to Deliveries.
type MockedAmqpConsumer struct {
	Deliveries chan amqp.Delivery
	QosErr     error
	ConsumeErr error
	Prefetch   int
}

func (c *MockedAmqpConsumer) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.Prefetch = prefetchCount
	return c.QosErr
}

func (c *MockedAmqpConsumer) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	return c.Deliveries, nil
}

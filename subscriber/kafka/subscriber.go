package kafka

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sportsdata/gobox/gbx"
)

// kafkaReader is the subset of *kafka.Reader used to consume with explicit
// commits.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Settings struct {
	RetryBackoff    time.Duration // first delay before redelivering a nacked message
	MaxRetryBackoff time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
	}
}

// Subscriber feeds a consumer group into a gbx.Deliverer. A partition does
// not move past a message until it has been acked, so a nacked message is
// redelivered in place after a backoff.
type Subscriber struct {
	reader    kafkaReader
	deliverer gbx.Deliverer
	settings  Settings
	logger    gbx.Logger
}

var _ gbx.Loggable = (*Subscriber)(nil)

func New(r kafkaReader, d gbx.Deliverer, s Settings) *Subscriber {
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("Reader is mandatory")
	}
	if d == nil {
		panic("Deliverer is mandatory")
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = DefaultSettings().RetryBackoff
	}
	if s.MaxRetryBackoff < s.RetryBackoff {
		s.MaxRetryBackoff = s.RetryBackoff
	}
	return &Subscriber{reader: r, deliverer: d, settings: s, logger: &gbx.NopLogger{}}
}

func (s *Subscriber) SetLogger(l gbx.Logger) {
	s.logger = l
}

// Run consumes until ctx is cancelled, then closes the reader.
func (s *Subscriber) Run(ctx context.Context) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Error("could not close the kafka reader", err)
		}
	}()
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not fetch a message: %w", err)
		}
		if !s.handle(ctx, m) {
			return nil
		}
		if err := s.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
			return fmt.Errorf("could not commit offset %d of %s[%d]: %w", m.Offset, m.Topic, m.Partition, err)
		}
	}
}

// handle returns false when ctx was cancelled before the message was acked.
func (s *Subscriber) handle(ctx context.Context, m kafka.Message) bool {
	e, err := gbx.EnvelopeFromHeaders(headers(m), m.Value)
	if err != nil {
		s.logger.Error(fmt.Sprintf("discarding offset %d of %s[%d]", m.Offset, m.Topic, m.Partition), err)
		return true
	}
	for attempt := 0; ; attempt++ {
		if s.deliverer.Deliver(ctx, e) == gbx.Ack {
			return true
		}
		delay := gbx.Backoff(s.settings.RetryBackoff, s.settings.MaxRetryBackoff, attempt)
		s.logger.Debug(fmt.Sprintf("redelivering event %s in %s", e.EventId, delay))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func headers(m kafka.Message) map[string]string {
	h := make(map[string]string, len(m.Headers))
	for _, kh := range m.Headers {
		h[kh.Key] = string(kh.Value)
	}
	return h
}


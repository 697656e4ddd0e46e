// Package breaker stops hammering a broker that keeps failing: after a run
// of consecutive publish failures the wrapped Broadcaster is not called until
// the breaker half-opens again.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/sportsdata/gobox/gbx"
)

const transport = "breaker"

type Settings struct {
	Name                string
	ConsecutiveFailures uint32        // failures that open the breaker
	OpenTimeout         time.Duration // time spent open before half-opening
	HalfOpenRequests    uint32        // publishes allowed while half-open
}

func DefaultSettings(name string) Settings {
	return Settings{
		Name:                name,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

type Broadcaster struct {
	next   gbx.Broadcaster
	cb     *gobreaker.CircuitBreaker
	logger gbx.Logger
}

var _ gbx.Broadcaster = (*Broadcaster)(nil)
var _ gbx.Loggable = (*Broadcaster)(nil)

func New(next gbx.Broadcaster, s Settings) *Broadcaster {
	if next == nil {
		panic("Broadcaster is mandatory")
	}
	b := &Broadcaster{next: next, logger: &gbx.NopLogger{}}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn(fmt.Sprintf("circuit breaker '%s' went from %s to %s", name, from, to))
		},
	})
	return b
}

// SetLogger sets the logger of the breaker and of the wrapped broadcaster.
func (b *Broadcaster) SetLogger(l gbx.Logger) {
	b.logger = l
	if lg, ok := b.next.(gbx.Loggable); ok {
		lg.SetLogger(l)
	}
}

// State returns the current breaker state.
func (b *Broadcaster) State() gobreaker.State {
	return b.cb.State()
}

func (b *Broadcaster) Publish(ctx context.Context, e *gbx.Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, e)
	})
	if err != nil {
		return gbx.NewPublishError(transport, e.EventId, err)
	}
	return nil
}

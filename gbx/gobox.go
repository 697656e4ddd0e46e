package gbx

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Gobox implements the transactional outbox and inbox module.
type Gobox struct {
	settings    Settings
	logger      Logger
	outbox      OutboxRepository
	inbox       InboxRepository
	broadcaster Broadcaster
	registry    *Registry
	consumer    *Consumer
	counters    Counters
	alerter     Alerter
	cache       ProcessedCache
	clock       Clock
	wg          sync.WaitGroup
}

// opt allows optional configuration.
type opt func(g *Gobox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(g *Gobox) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for
// observability.
func WithCounters(c Counters) opt {
	return func(g *Gobox) {
		c.fill()
		g.counters = c
	}
}

// WithAlerter replaces the default log based dead letter alerter.
func WithAlerter(a Alerter) opt {
	return func(g *Gobox) {
		if a != nil {
			g.alerter = a
		}
	}
}

// WithProcessedCache enables a fast path in front of the inbox.
func WithProcessedCache(c ProcessedCache) opt {
	return func(g *Gobox) {
		g.cache = c
	}
}

// WithClock replaces the system clock.
func WithClock(c Clock) opt {
	return func(g *Gobox) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithRegistry shares an existing handler registry.
func WithRegistry(r *Registry) opt {
	return func(g *Gobox) {
		if r != nil {
			g.registry = r
		}
	}
}

// New creates an instance of Gobox using the provided settings, options and
// collaborators. The inbox repository is only needed by consuming services
// and the broadcaster only when the dispatcher is enabled.
func New(s Settings, o OutboxRepository, i InboxRepository, b Broadcaster, options ...opt) *Gobox {
	if o == nil {
		panic("you must provide an outbox repository")
	}
	if s.EnableDispatcher && b == nil {
		panic("you must provide a broadcaster when the dispatcher is enabled")
	}
	if err := validateSettings(&s); err != nil {
		panic(err)
	}

	g := &Gobox{
		settings:    s,
		logger:      &NopLogger{},
		outbox:      o,
		inbox:       i,
		broadcaster: b,
		registry:    NewRegistry(),
		alerter:     &LogAlerter{},
		clock:       RealClock{},
	}
	g.counters.fill()

	for _, apply := range options {
		apply(g)
	}

	for _, a := range []any{o, i, b, g.alerter, g.cache} {
		if l, ok := a.(Loggable); ok {
			l.SetLogger(g.logger)
		}
	}

	if i != nil {
		g.consumer = &Consumer{
			settings: g.settings,
			registry: g.registry,
			inbox:    i,
			cache:    g.cache,
			logger:   g.logger,
			counters: g.counters,
			alerter:  g.alerter,
			clock:    g.clock,
		}
	}

	return g
}

// Start launches the dispatchers and the janitor. They stop when ctx is
// cancelled; use Wait to block until they are done.
func (g *Gobox) Start(ctx context.Context) {
	if g.settings.EnableDispatcher {
		g.logger.Debug(fmt.Sprintf("starting %d dispatchers", g.settings.Dispatchers))
		for n := 0; n < g.settings.Dispatchers; n++ {
			d := g.newDispatcher()
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				d.run(ctx)
			}()
		}
	}
	if g.settings.RetentionPeriod > 0 {
		j := &janitor{settings: g.settings, logger: g.logger, outbox: g.outbox, inbox: g.inbox, clock: g.clock}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			j.run(ctx)
		}()
	}
}

// Wait blocks until every background loop has stopped.
func (g *Gobox) Wait() {
	g.wg.Wait()
}

// DispatchOnce runs a single dispatcher cycle with a fresh lease owner.
func (g *Gobox) DispatchOnce(ctx context.Context) DispatchResult {
	if g.broadcaster == nil {
		g.logger.Warn("no broadcaster configured, nothing dispatched")
		return DispatchResult{}
	}
	return g.newDispatcher().processOutbox(ctx)
}

func (g *Gobox) newDispatcher() *dispatcher {
	return &dispatcher{
		id:          uuid.New(),
		settings:    g.settings,
		logger:      g.logger,
		broadcaster: g.broadcaster,
		repository:  g.outbox,
		counters:    g.counters,
		alerter:     g.alerter,
		clock:       g.clock,
	}
}

// Enqueue stores a domain event reliably within the business transaction
// present in the context. The event is published after the transaction
// commits; if it rolls back, the event never exists.
func (g *Gobox) Enqueue(ctx context.Context, e *Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return g.outbox.Save(ctx, e)
}

// Registry returns the handler registry.
func (g *Gobox) Registry() *Registry {
	return g.registry
}

// RegisterHandler registers a handler for an event type under a consumer
// name.
func (g *Gobox) RegisterHandler(eventType EventType, consumerName string, h Handler) error {
	return g.registry.Register(eventType, consumerName, h)
}

// Deliver runs the handlers registered for an incoming envelope and tells
// the transport how to settle the delivery.
func (g *Gobox) Deliver(ctx context.Context, e *Envelope) Disposition {
	if g.consumer == nil {
		g.logger.Error("cannot deliver incoming event", ErrInboxDisabled)
		return Nack
	}
	return g.consumer.Deliver(ctx, e)
}

// DeadLetters lists outgoing and incoming dead letters.
func (g *Gobox) DeadLetters(ctx context.Context, limit int) (*DeadLetterReport, error) {
	out, err := g.outbox.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list outgoing dead letters: %w", err)
	}
	report := &DeadLetterReport{Outgoing: out}
	if g.inbox != nil {
		in, err := g.inbox.ListDeadLetters(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("could not list incoming dead letters: %w", err)
		}
		report.Incoming = in
	}
	return report, nil
}

// ReplayOutgoing sends an outgoing dead letter back to the pending state so
// the dispatchers publish it again.
func (g *Gobox) ReplayOutgoing(ctx context.Context, eventId uuid.UUID) error {
	ok, err := g.outbox.Replay(ctx, eventId)
	if err != nil {
		return fmt.Errorf("could not replay outgoing event %s: %w", eventId, err)
	}
	if !ok {
		return fmt.Errorf("%w: no outgoing dead letter %s", ErrRecordNotFound, eventId)
	}
	g.logger.Info(fmt.Sprintf("outgoing event '%s' replayed", eventId))
	return nil
}

// ReplayIncoming resets an incoming dead letter and runs its handler again.
func (g *Gobox) ReplayIncoming(ctx context.Context, eventId uuid.UUID, consumer string) (Disposition, error) {
	if g.consumer == nil {
		return Nack, ErrInboxDisabled
	}
	return g.consumer.Replay(ctx, eventId, consumer)
}

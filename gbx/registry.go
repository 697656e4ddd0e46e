package gbx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Metadata is handed to handlers together with the decoded message.
type Metadata struct {
	EventId       uuid.UUID
	EventType     EventType
	CorrelationId uuid.UUID
	CausationId   uuid.UUID
	CreatedAt     time.Time
	ConsumerName  string
	Attempt       int // 1 on the first attempt
}

// Trace returns the context for events emitted while handling this one.
func (m Metadata) Trace() Trace {
	return Trace{CorrelationId: m.CorrelationId, CausationId: m.EventId}
}

// Handler is the capability a consumer registers for one event type.
type Handler interface {
	// Deserialize decodes the payload. Errors are treated as non-retryable.
	Deserialize(payload []byte) (any, error)
	// Handle processes the decoded message. It must be safe to run again
	// after a failure.
	Handle(ctx context.Context, msg any, m Metadata) error
}

// HandlerFunc handles a decoded message of type T.
type HandlerFunc[T any] func(ctx context.Context, msg T, m Metadata) error

// JSONHandler decodes JSON payloads into T before calling its function.
type JSONHandler[T any] struct {
	fn HandlerFunc[T]
}

var _ Handler = (*JSONHandler[struct{}])(nil)

// NewJSONHandler returns a Handler for JSON encoded messages of type T.
func NewJSONHandler[T any](fn func(ctx context.Context, msg T, m Metadata) error) *JSONHandler[T] {
	return &JSONHandler[T]{fn: fn}
}

func (h *JSONHandler[T]) Deserialize(payload []byte) (any, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return msg, nil
}

func (h *JSONHandler[T]) Handle(ctx context.Context, msg any, m Metadata) error {
	typed, ok := msg.(T)
	if !ok {
		return fmt.Errorf("%w: unexpected message type %T", ErrSerialization, msg)
	}
	return h.fn(ctx, typed, m)
}

// Registration binds a handler to an event type under a consumer name.
type Registration struct {
	EventType    EventType
	ConsumerName string
	Handler      Handler
}

// Registry stores the handlers of every consumer, keyed by event type. Each
// event type may have several consumers; each consumer deduplicates on its
// own.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[EventType]map[string]Handler{}}
}

// Register adds a handler. Registering the same (event type, consumer) pair
// twice is an error.
func (r *Registry) Register(eventType EventType, consumerName string, h Handler) error {
	consumerName = strings.TrimSpace(consumerName)
	if strings.TrimSpace(string(eventType)) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidRegistration)
	}
	if consumerName == "" {
		return fmt.Errorf("%w: consumer name is required", ErrInvalidRegistration)
	}
	if h == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidRegistration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	consumers, ok := r.handlers[eventType]
	if !ok {
		consumers = map[string]Handler{}
		r.handlers[eventType] = consumers
	}
	if _, exists := consumers[consumerName]; exists {
		return fmt.Errorf("%w: %s/%s", ErrHandlerAlreadyRegistered, eventType, consumerName)
	}
	consumers[consumerName] = h
	return nil
}

// RegisterHandler registers a JSON handler for messages of type T.
func RegisterHandler[T any](r *Registry, eventType EventType, consumerName string, fn func(ctx context.Context, msg T, m Metadata) error) error {
	if fn == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidRegistration)
	}
	return r.Register(eventType, consumerName, NewJSONHandler[T](fn))
}

// Lookup returns the registrations for an event type sorted by consumer name.
func (r *Registry) Lookup(eventType EventType) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consumers := r.handlers[eventType]
	regs := make([]Registration, 0, len(consumers))
	for name, h := range consumers {
		regs = append(regs, Registration{EventType: eventType, ConsumerName: name, Handler: h})
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].ConsumerName < regs[j].ConsumerName })
	return regs
}

// Handler returns the handler of a single consumer.
func (r *Registry) Handler(eventType EventType, consumerName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType][consumerName]
	return h, ok
}

// EventTypes returns every event type with at least one handler.
func (r *Registry) EventTypes() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

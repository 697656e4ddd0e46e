package gbx

import "context"

// Broadcaster defines the contract for the durable transport outgoing
// events are published to.
type Broadcaster interface {
	// Publish sends the envelope and returns once the transport accepted it.
	// Failures are reported as a *PublishError and are never retried here.
	Publish(ctx context.Context, e *Envelope) error
}

package gbx

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

// Counters groups every counter the module reports to. Nil fields fall back
// to NopCounter.
type Counters struct {
	Published       Counter // events accepted by the broker
	PublishFailures Counter // failed publish attempts, retried or not
	DeadLettered    Counter // outgoing and incoming events moved to dead letter
	Processed       Counter // incoming events handled successfully
	HandlerFailures Counter // failed handler attempts
	Duplicates      Counter // redeliveries skipped because already processed
}

func (c *Counters) fill() {
	for _, ctr := range []*Counter{&c.Published, &c.PublishFailures, &c.DeadLettered, &c.Processed, &c.HandlerFailures, &c.Duplicates} {
		if *ctr == nil {
			*ctr = &NopCounter{}
		}
	}
}

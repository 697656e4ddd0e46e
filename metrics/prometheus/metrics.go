package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sportsdata/gobox/gbx"
)

// Counter adapts a prometheus counter to gbx.Counter. Negative deltas are
// ignored because prometheus counters only go up.
type Counter struct {
	Counter prometheus.Counter
}

var _ gbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	if delta <= 0 {
		return
	}
	c.Counter.Add(float64(delta))
}

// NewCounters registers one counter per gbx metric in reg.
func NewCounters(reg prometheus.Registerer, namespace string) (gbx.Counters, error) {
	newCounter := func(name, help string) (*Counter, error) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gobox",
			Name:      name,
			Help:      help,
		})
		if err := reg.Register(c); err != nil {
			return nil, err
		}
		return &Counter{Counter: c}, nil
	}

	defs := []struct {
		name string
		help string
	}{
		{name: "published_total", help: "Outgoing events accepted by the broker."},
		{name: "publish_failures_total", help: "Failed publish attempts."},
		{name: "dead_lettered_total", help: "Events moved to dead letter."},
		{name: "processed_total", help: "Incoming events handled successfully."},
		{name: "handler_failures_total", help: "Failed handler attempts."},
		{name: "duplicates_total", help: "Redeliveries skipped because already processed."},
	}
	var ctrs gbx.Counters
	targets := []*gbx.Counter{&ctrs.Published, &ctrs.PublishFailures, &ctrs.DeadLettered, &ctrs.Processed, &ctrs.HandlerFailures, &ctrs.Duplicates}
	for i, d := range defs {
		c, err := newCounter(d.name, d.help)
		if err != nil {
			return gbx.Counters{}, err
		}
		*targets[i] = c
	}
	return ctrs, nil
}

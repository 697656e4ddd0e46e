package tally

import (
	"github.com/sportsdata/gobox/gbx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ gbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// NewCounters creates every gbx counter in the provided scope.
func NewCounters(scope tally.Scope) gbx.Counters {
	return gbx.Counters{
		Published:       &Counter{Counter: scope.Counter("published")},
		PublishFailures: &Counter{Counter: scope.Counter("publish_failures")},
		DeadLettered:    &Counter{Counter: scope.Counter("dead_lettered")},
		Processed:       &Counter{Counter: scope.Counter("processed")},
		HandlerFailures: &Counter{Counter: scope.Counter("handler_failures")},
		Duplicates:      &Counter{Counter: scope.Counter("duplicates")},
	}
}

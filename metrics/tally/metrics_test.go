package tally

import (
	"testing"

	"github.com/sportsdata/gobox/test"
	"github.com/stretchr/testify/assert"
	tally "github.com/uber-go/tally/v4"
)

func TestInc(t *testing.T) {
	chann := make(chan int64, 1)
	counter := &Counter{Counter: &test.MockedTallyCounter{
		Output: chann,
	}}
	type args struct {
		delta int64
	}
	testcases := []struct {
		name         string
		args         args
		wantCtrValue int64
	}{
		{
			name: "increase 1",
			args: args{
				delta: 1,
			},
			wantCtrValue: 1,
		},
		{
			name: "increase 5",
			args: args{
				delta: 5,
			},
			wantCtrValue: 6,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			counter.Inc(tc.args.delta)
			internalValue := <-chann
			assert.Equal(t, tc.wantCtrValue, internalValue)
		})
	}
}

func TestNewCounters(t *testing.T) {
	scope := tally.NewTestScope("gobox", nil)
	ctrs := NewCounters(scope)

	ctrs.Published.Inc(3)
	ctrs.DeadLettered.Inc(1)
	ctrs.Duplicates.Inc(2)

	values := map[string]int64{}
	for _, c := range scope.Snapshot().Counters() {
		values[c.Name()] = c.Value()
	}
	assert.Equal(t, int64(3), values["gobox.published"])
	assert.Equal(t, int64(1), values["gobox.dead_lettered"])
	assert.Equal(t, int64(2), values["gobox.duplicates"])
	assert.Zero(t, values["gobox.processed"])
}

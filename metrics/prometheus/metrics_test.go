package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInc(t *testing.T) {
	type args struct {
		delta int64
	}
	testcases := []struct {
		name      string
		args      args
		wantValue float64
	}{
		{
			name:      "increase 1",
			args:      args{delta: 1},
			wantValue: 1,
		},
		{
			name:      "increase 5",
			args:      args{delta: 5},
			wantValue: 6,
		},
		{
			name:      "negative deltas are ignored",
			args:      args{delta: -2},
			wantValue: 6,
		},
	}
	counter := &Counter{Counter: prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			counter.Inc(tc.args.delta)
			assert.Equal(t, tc.wantValue, testutil.ToFloat64(counter.Counter))
		})
	}
}

func TestNewCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctrs, err := NewCounters(reg, "sportsdata")
	require.NoError(t, err)

	ctrs.Published.Inc(2)
	ctrs.HandlerFailures.Inc(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(ctrs.Published.(*Counter).Counter))
	assert.Equal(t, 1.0, testutil.ToFloat64(ctrs.HandlerFailures.(*Counter).Counter))

	n, err := testutil.GatherAndCount(reg, "sportsdata_gobox_published_total", "sportsdata_gobox_duplicates_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = NewCounters(reg, "sportsdata")
	assert.Error(t, err, "registering twice must fail")
}

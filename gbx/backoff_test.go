package gbx

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	type args struct {
		base    time.Duration
		max     time.Duration
		attempt int
	}
	testcases := []struct {
		name    string
		args    args
		wantMin time.Duration
		wantMax time.Duration
	}{
		{name: "first retry", args: args{2 * time.Second, time.Minute, 0}, wantMin: time.Second, wantMax: 2 * time.Second},
		{name: "third retry", args: args{2 * time.Second, time.Minute, 2}, wantMin: 4 * time.Second, wantMax: 8 * time.Second},
		{name: "capped", args: args{2 * time.Second, time.Minute, 5}, wantMin: time.Minute, wantMax: time.Minute},
		{name: "exactly at the cap", args: args{time.Second, 8 * time.Second, 3}, wantMin: 8 * time.Second, wantMax: 8 * time.Second},
		{name: "negative attempt", args: args{2 * time.Second, time.Minute, -3}, wantMin: time.Second, wantMax: 2 * time.Second},
		{name: "huge attempt does not overflow", args: args{2 * time.Second, time.Hour, 500}, wantMin: time.Hour, wantMax: time.Hour},
		{name: "shift close to overflow", args: args{time.Hour, time.Duration(math.MaxInt64), 40}, wantMin: time.Duration(math.MaxInt64), wantMax: time.Duration(math.MaxInt64)},
		{name: "zero base", args: args{0, time.Hour, 3}, wantMin: 0, wantMax: 0},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				got := Backoff(tc.args.base, tc.args.max, tc.args.attempt)
				assert.GreaterOrEqual(t, got, tc.wantMin)
				if tc.wantMin == tc.wantMax {
					assert.Equal(t, tc.wantMax, got)
				} else {
					assert.Less(t, got, tc.wantMax)
				}
			}
		})
	}
}

func TestBackoff_isNonDecreasing(t *testing.T) {
	for run := 0; run < 100; run++ {
		prev := time.Duration(0)
		for attempt := 0; attempt < 20; attempt++ {
			got := Backoff(2*time.Second, 5*time.Minute, attempt)
			assert.GreaterOrEqual(t, got, prev, "attempt %d", attempt)
			prev = got
		}
	}
}

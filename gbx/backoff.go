package gbx

import (
	"math/rand/v2"
	"time"
)

// maxShift keeps base << attempt from overflowing int64.
const maxShift = 62

// exponential returns base * 2^attempt capped at max.
func exponential(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift || base > max>>uint(attempt) {
		return max
	}
	return base << uint(attempt)
}

// Backoff computes the delay before the next publish attempt of a record
// that already failed attempt times. The uncapped delay is drawn from
// [d/2, d) so that the sequence never decreases; once the cap is reached the
// cap itself is returned.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := exponential(base, max, attempt)
	if d == max {
		return d
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

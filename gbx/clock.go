package gbx

import "time"

// Clock abstracts time for retry scheduling and stale detection.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

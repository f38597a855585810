package job

import (
	"math"
	"time"
)

// MaxPollInterval caps every interval returned by PollInterval.
const MaxPollInterval = 10 * time.Second

const rampStep = 100 * time.Millisecond

// PollInterval returns the wait before status check a+1 of total, given the
// base interval b:
//
//	a < 10        b
//	10 <= a < 30  min(2b, b + (a-10)*100ms)
//	a >= 30       min(4b * 2^((a-30)/20), 10s)
//
// a is clamped to [0, total-1] and the result never exceeds MaxPollInterval.
func PollInterval(a, total int, b time.Duration) time.Duration {
	if total > 0 && a > total-1 {
		a = total - 1
	}
	if a < 0 {
		a = 0
	}

	var d time.Duration
	switch {
	case a < 10:
		d = b
	case a < 30:
		d = min(2*b, b+time.Duration(a-10)*rampStep)
	default:
		growth := math.Pow(2, float64(a-30)/20)
		scaled := float64(4*b) * growth
		if scaled >= float64(MaxPollInterval) {
			d = MaxPollInterval
		} else {
			d = time.Duration(scaled)
		}
	}
	return min(d, MaxPollInterval)
}

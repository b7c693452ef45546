package concurrent

import (
	"math"
	"time"
)

// startTime is the fixed epoch for all deadlines. Initialized once at
// process start, never reset.
var startTime = time.Now()

// NowNanos returns nanoseconds elapsed since the process-start epoch. The
// value is monotonic (it rides on Go's monotonic clock reading) and is not
// related to wall-clock time.
func NowNanos() int64 {
	return time.Since(startTime).Nanoseconds()
}

// DeadlineNanos computes now+delay, clamping to MaxInt64 on overflow rather
// than wrapping.
func DeadlineNanos(nowNanos, delayNanos int64) int64 {
	deadline := nowNanos + delayNanos
	if deadline < 0 {
		return math.MaxInt64
	}
	return deadline
}

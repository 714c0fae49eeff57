package queue

import (
	"math"
	"math/rand"
	"time"
)

// nextBackoff computes the delay before a job's (retryCount+1)th attempt:
// exponential growth from initialSeconds, capped at maxSeconds, then
// jittered by +/- jitterRatio (spec.md §4.10 "exponential backoff with
// jitter"). retryCount is the number of attempts already made (0 before the
// first retry).
func nextBackoff(initialSeconds, maxSeconds int, jitterRatio float64, retryCount int, rnd *rand.Rand) time.Duration {
	base := float64(initialSeconds) * math.Pow(2, float64(retryCount))
	if max := float64(maxSeconds); base > max {
		base = max
	}
	if jitterRatio <= 0 {
		return time.Duration(base * float64(time.Second))
	}
	// jitter in [-jitterRatio, +jitterRatio] of base, never below zero.
	spread := base * jitterRatio
	jittered := base + (rnd.Float64()*2-1)*spread
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Second))
}

package offlinequeue

import (
	"math/rand"
	"time"
)

const (
	MaxRetries  = 5
	BackoffBase = 1000 * time.Millisecond
	BackoffCap  = 30000 * time.Millisecond
)

// BackoffDelay is the wait before retry number retryCount:
// min(BASE*2^retryCount, CAP) * (1 + jitter), jitter in [0, 0.25).
// The first attempt never waits.
func BackoffDelay(retryCount int) time.Duration {
	return backoffDelay(retryCount, rand.Float64)
}

func backoffDelay(retryCount int, jitter func() float64) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := BackoffBase
	for i := 0; i < retryCount && d < BackoffCap; i++ {
		d *= 2
	}
	if d > BackoffCap {
		d = BackoffCap
	}
	return time.Duration(float64(d) * (1 + 0.25*jitter()))
}

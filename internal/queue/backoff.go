package queue

import (
	"math"
	"math/rand"
	"time"
)

const maxBackoff = 300 * time.Second

// RetryBackoff computes the redelivery delay for the given attempt number:
// exponential, capped at five minutes, with up to 10% jitter so retries from
// one incident don't land in lockstep.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := math.Pow(2, float64(attempt))
	if base > maxBackoff.Seconds() {
		base = maxBackoff.Seconds()
	}
	jitter := 1 + rand.Float64()*0.1
	return time.Duration(base * jitter * float64(time.Second))
}

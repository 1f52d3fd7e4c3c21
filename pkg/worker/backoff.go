package worker

import (
	"math"
	"math/rand"
	"time"
)

const maxShift = 62

// exponential returns base * 2^attempt, saturating instead of overflowing.
func exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// fullJitter returns a random duration in [0, d).
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// Backoff is the retry delay after the given number of failed attempts:
// full jitter over base * 2^(attempts-1), capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempts int) time.Duration {
	d := exponential(base, attempts-1)
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return fullJitter(d)
}

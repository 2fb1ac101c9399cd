package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialJitter returns base*2^(attempt-1) capped at limit, with +/- 20% jitter.
func ExponentialJitter(base, limit time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	mul := math.Pow(2, float64(attempt-1))
	d := time.Duration(math.Min(float64(base)*mul, float64(math.MaxInt64/2)))
	if limit > 0 {
		d = min(d, limit)
	}

	// jitter: +/- 20%
	j := time.Duration(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(2*j)+1))
}

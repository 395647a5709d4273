package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// jitterFraction spreads retry delays +-25% so synchronized failures do not
// hammer the chain in lockstep
const jitterFraction = 0.25

// retryDelay computes base * exponent^(retries-1), capped at maxDelay
func retryDelay(base, maxDelay time.Duration, exponent float64, retries uint32) time.Duration {
	if retries == 0 {
		retries = 1
	}

	scaled := float64(base) * math.Pow(exponent, float64(retries-1))
	if scaled > float64(maxDelay) || math.IsInf(scaled, 1) {
		return maxDelay
	}

	return time.Duration(scaled)
}

// jitter scales a delay by a random factor in [1-jitterFraction, 1+jitterFraction]
func jitter(delay time.Duration) time.Duration {
	factor := 1 + jitterFraction*(2*rand.Float64()-1) //nolint:gosec

	return time.Duration(float64(delay) * factor)
}

package workflow

import (
	"math/rand"
	"time"
)

// retryDelay computes the wait before re-running a failed step. Attempt
// numbers start at 1 (the attempt that just failed).
//
//	fixed:       base
//	linear:      base * attempt, capped at max
//	exponential: base * 2^(attempt-1) + jitter in [0, base), capped at max
func retryDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	max := policy.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	switch policy.Strategy {
	case StrategyFixed:
		return clamp(base, max)
	case StrategyLinear:
		return clamp(base*time.Duration(attempt), max)
	case StrategyExponential:
		delay := base << (attempt - 1)
		if delay <= 0 || delay > max {
			delay = max
		}
		if base > 0 {
			delay += time.Duration(rand.Int63n(int64(base)))
		}
		return clamp(delay, max)
	default:
		return clamp(base, max)
	}
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

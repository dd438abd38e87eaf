package workflow

import (
	"testing"
	"time"
)

func TestRetryDelayFixed(t *testing.T) {
	policy := RetryPolicy{Strategy: StrategyFixed, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := retryDelay(policy, attempt); got != time.Second {
			t.Fatalf("attempt %d: delay = %s, want 1s", attempt, got)
		}
	}
}

func TestRetryDelayLinear(t *testing.T) {
	policy := RetryPolicy{Strategy: StrategyLinear, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{4, 3 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := retryDelay(policy, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: delay = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryDelayExponentialBoundsAndJitter(t *testing.T) {
	policy := RetryPolicy{Strategy: StrategyExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		base := policy.BaseDelay << (attempt - 1)
		for i := 0; i < 50; i++ {
			got := retryDelay(policy, attempt)
			if got > policy.MaxDelay {
				t.Fatalf("attempt %d: delay %s exceeds max %s", attempt, got, policy.MaxDelay)
			}
			if base <= policy.MaxDelay && got < base {
				t.Fatalf("attempt %d: delay %s below deterministic floor %s", attempt, got, base)
			}
			if base <= policy.MaxDelay && got >= base+policy.BaseDelay && got != policy.MaxDelay {
				t.Fatalf("attempt %d: delay %s outside jitter window [%s, %s)", attempt, got, base, base+policy.BaseDelay)
			}
		}
	}
}

func TestRetryDelayDefaultsMax(t *testing.T) {
	policy := RetryPolicy{Strategy: StrategyLinear, BaseDelay: 20 * time.Second}
	if got := retryDelay(policy, 10); got != 30*time.Second {
		t.Fatalf("delay = %s, want default 30s cap", got)
	}
}

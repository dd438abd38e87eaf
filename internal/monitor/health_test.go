package monitor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sleepProbe(name string, d time.Duration, err error) ProbeFunc {
	return ProbeFunc{ProbeName: name, Fn: func(ctx context.Context) error {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
		return err
	}}
}

func TestCheckerLatencyThresholds(t *testing.T) {
	c := NewChecker(50*time.Millisecond, 200*time.Millisecond)
	c.Register(sleepProbe("fast", 0, nil))
	c.Register(sleepProbe("slow", 100*time.Millisecond, nil))
	c.Register(sleepProbe("broken", 0, errors.New("connection refused")))

	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("overall = %s, want unhealthy", report.Status)
	}

	byName := make(map[string]ComponentHealth)
	for _, comp := range report.Components {
		byName[comp.Name] = comp
	}
	if byName["fast"].Status != StatusHealthy {
		t.Fatalf("fast = %s", byName["fast"].Status)
	}
	if byName["slow"].Status != StatusDegraded {
		t.Fatalf("slow = %s", byName["slow"].Status)
	}
	if byName["broken"].Status != StatusUnhealthy || byName["broken"].Error == "" {
		t.Fatalf("broken = %+v", byName["broken"])
	}
}

func TestCheckerOverallDegraded(t *testing.T) {
	c := NewChecker(50*time.Millisecond, 200*time.Millisecond)
	c.Register(sleepProbe("fast", 0, nil))
	c.Register(sleepProbe("slow", 100*time.Millisecond, nil))

	if report := c.Check(context.Background()); report.Status != StatusDegraded {
		t.Fatalf("overall = %s, want degraded", report.Status)
	}
}

func TestCheckerNoProbesHealthy(t *testing.T) {
	c := NewChecker(50*time.Millisecond, 200*time.Millisecond)
	if report := c.Check(context.Background()); report.Status != StatusHealthy {
		t.Fatalf("overall = %s, want healthy", report.Status)
	}
}

func TestCheckerLastReturnsCachedReport(t *testing.T) {
	c := NewChecker(50*time.Millisecond, 200*time.Millisecond)
	c.Register(sleepProbe("fast", 0, nil))

	first := c.Check(context.Background())
	cached := c.Last(context.Background())
	if !cached.CheckedAt.Equal(first.CheckedAt) {
		t.Fatal("Last did not return the cached report")
	}
}

func TestCheckerProbeDeadline(t *testing.T) {
	c := NewChecker(10*time.Millisecond, 30*time.Millisecond)
	c.Register(sleepProbe("stuck", 5*time.Second, nil))

	start := time.Now()
	report := c.Check(context.Background())
	if time.Since(start) > 2*time.Second {
		t.Fatal("stuck probe held the report")
	}
	if report.Components[0].Status != StatusUnhealthy {
		t.Fatalf("stuck = %s", report.Components[0].Status)
	}
}

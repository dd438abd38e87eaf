package monitor

import (
	"context"
	"sync"
	"time"
)

// HealthStatus classifies a component probe result.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// worse orders statuses for the overall rollup.
var statusRank = map[HealthStatus]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Prober is one component health probe. Probe should perform a cheap
// real operation (a KV read, a provider HEAD) and return quickly; the
// checker applies latency thresholds on top.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Probe(ctx context.Context) error { return p.Fn(ctx) }

// ComponentHealth is one probe outcome.
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	LatencyMS int64        `json:"latency_ms"`
	Error     string       `json:"error,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Report is a full health snapshot. Overall is the worst component status.
type Report struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker runs component probes with two latency thresholds: a probe under
// healthyWithin is healthy, under degradedWithin is degraded, anything
// slower or failing is unhealthy.
type Checker struct {
	mu             sync.RWMutex
	probes         []Prober
	healthyWithin  time.Duration
	degradedWithin time.Duration
	last           *Report
}

// NewChecker builds a checker with the given latency thresholds.
func NewChecker(healthyWithin, degradedWithin time.Duration) *Checker {
	return &Checker{
		healthyWithin:  healthyWithin,
		degradedWithin: degradedWithin,
	}
}

// Register adds a probe. Not safe to call after Check starts running
// concurrently from the HTTP surface; register everything at startup.
func (c *Checker) Register(p Prober) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// Check runs every probe concurrently and returns the rollup. Each probe
// gets the degraded threshold plus slack as its own deadline so one stuck
// component cannot hold the whole report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	probes := make([]Prober, len(c.probes))
	copy(probes, c.probes)
	c.mu.RUnlock()

	now := time.Now()
	components := make([]ComponentHealth, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p Prober) {
			defer wg.Done()
			components[i] = c.probe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, comp := range components {
		if statusRank[comp.Status] > statusRank[overall] {
			overall = comp.Status
		}
	}
	report := Report{Status: overall, Components: components, CheckedAt: now}

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	return report
}

func (c *Checker) probe(ctx context.Context, p Prober) ComponentHealth {
	deadline := c.degradedWithin + time.Second
	pctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	err := p.Probe(pctx)
	elapsed := time.Since(start)

	comp := ComponentHealth{
		Name:      p.Name(),
		LatencyMS: elapsed.Milliseconds(),
		CheckedAt: start,
	}
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
	case elapsed < c.healthyWithin:
		comp.Status = StatusHealthy
	case elapsed < c.degradedWithin:
		comp.Status = StatusDegraded
	default:
		comp.Status = StatusUnhealthy
	}
	return comp
}

// Last returns the most recent report, or a fresh Check if none exists.
func (c *Checker) Last(ctx context.Context) Report {
	c.mu.RLock()
	last := c.last
	c.mu.RUnlock()
	if last != nil {
		return *last
	}
	return c.Check(ctx)
}

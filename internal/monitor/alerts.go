package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	dto "github.com/prometheus/client_model/go"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

// Aggregation selects how samples within a rule's window are reduced.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// Severity orders alert urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule describes one alert condition over a metric.
//
// Samples are taken per collection tick. Counters are sampled as per-second
// rates of the summed series, gauges as the summed level, histograms as the
// estimated p95 in milliseconds.
type Rule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Metric      string        `json:"metric"`
	Aggregation Aggregation   `json:"aggregation"`
	Operator    string        `json:"operator"` // ">", ">=", "<", "<=", "=="
	Threshold   float64       `json:"threshold"`
	Window      time.Duration `json:"window"`
	For         time.Duration `json:"for"` // condition must hold continuously
	Severity    Severity      `json:"severity"`
	Enabled     bool          `json:"enabled"`
}

// Instance is one firing (or resolved) alert.
type Instance struct {
	RuleID     string     `json:"rule_id"`
	RuleName   string     `json:"rule_name"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Value      float64    `json:"value"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
}

type sample struct {
	at    time.Time
	value float64
}

const (
	collectInterval = 15 * time.Second
	maxHistory      = 100
	alertRetention  = 7 * 24 * time.Hour
)

// AlertEngine samples the metric registry and evaluates rules on a cron
// schedule. Fired/resolved instances are persisted to the warm KV and pushed
// through the notify callback (WS system notifications).
type AlertEngine struct {
	mu       sync.Mutex
	gatherer interface {
		Gather() ([]*dto.MetricFamily, error)
	}
	kv       store.KV
	schedule string
	notify   func(severity Severity, message string)

	rules       []Rule
	samples     map[string][]sample // metric -> recent samples
	prevCounter map[string]float64
	prevAt      time.Time
	holdSince   map[string]time.Time
	active      map[string]*Instance
	history     []Instance
}

// NewAlertEngine builds an engine over the metrics registry. notify may be nil.
func NewAlertEngine(m *Metrics, kv store.KV, schedule string, notify func(Severity, string)) *AlertEngine {
	return &AlertEngine{
		gatherer:    m.Gatherer(),
		kv:          kv,
		schedule:    schedule,
		notify:      notify,
		samples:     make(map[string][]sample),
		prevCounter: make(map[string]float64),
		holdSince:   make(map[string]time.Time),
		active:      make(map[string]*Instance),
	}
}

// DefaultRules returns the built-in error-rate and p95 latency rules.
func DefaultRules(errorRate, p95MS float64) []Rule {
	return []Rule{
		{
			ID: "error-rate", Name: "High error rate",
			Metric: "deskwire_errors_total", Aggregation: AggAvg,
			Operator: ">", Threshold: errorRate,
			Window: 5 * time.Minute, For: time.Minute,
			Severity: SeverityHigh, Enabled: true,
		},
		{
			ID: "pipeline-p95", Name: "Slow message handling",
			Metric: "deskwire_pipeline_seconds", Aggregation: AggAvg,
			Operator: ">", Threshold: p95MS,
			Window: 5 * time.Minute, For: 2 * time.Minute,
			Severity: SeverityMedium, Enabled: true,
		},
	}
}

// SetRules replaces the rule set (startup and config reload).
func (e *AlertEngine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Run samples every 15s and evaluates on the cron schedule until ctx is done.
func (e *AlertEngine) Run(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	var lastEval time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Collect(now)
			due, err := g.IsDue(e.schedule, now)
			if err != nil {
				slog.Warn("alerts.bad_schedule", "schedule", e.schedule, "error", err)
				due = now.Sub(lastEval) >= time.Minute
			}
			if due && now.Sub(lastEval) >= 30*time.Second {
				lastEval = now
				e.Evaluate(ctx, now)
			}
		}
	}
}

// Collect snapshots the registry into the per-metric sample rings.
func (e *AlertEngine) Collect(now time.Time) {
	families, err := e.gatherer.Gather()
	if err != nil {
		slog.Warn("alerts.gather_failed", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	maxWindow := time.Duration(0)
	watched := make(map[string]bool, len(e.rules))
	for _, r := range e.rules {
		watched[r.Metric] = true
		if r.Window > maxWindow {
			maxWindow = r.Window
		}
	}
	if maxWindow == 0 {
		maxWindow = 10 * time.Minute
	}

	for _, fam := range families {
		name := fam.GetName()
		if !watched[name] {
			continue
		}
		value, ok := e.scalar(fam, now)
		if !ok {
			continue
		}
		ring := append(e.samples[name], sample{at: now, value: value})
		cutoff := now.Add(-maxWindow)
		for len(ring) > 0 && ring[0].at.Before(cutoff) {
			ring = ring[1:]
		}
		e.samples[name] = ring
	}
	e.prevAt = now
}

// scalar reduces a metric family to one number: counter rate, gauge level,
// or histogram p95 (milliseconds).
func (e *AlertEngine) scalar(fam *dto.MetricFamily, now time.Time) (float64, bool) {
	switch fam.GetType() {
	case dto.MetricType_COUNTER:
		total := 0.0
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		prev, seen := e.prevCounter[fam.GetName()]
		e.prevCounter[fam.GetName()] = total
		if !seen || e.prevAt.IsZero() {
			return 0, false
		}
		elapsed := now.Sub(e.prevAt).Seconds()
		if elapsed <= 0 {
			return 0, false
		}
		return math.Max(0, total-prev) / elapsed, true

	case dto.MetricType_GAUGE:
		total := 0.0
		for _, m := range fam.GetMetric() {
			total += m.GetGauge().GetValue()
		}
		return total, true

	case dto.MetricType_HISTOGRAM:
		return histogramP95MS(fam)

	default:
		return 0, false
	}
}

// histogramP95MS estimates the 95th percentile across all series of a
// histogram family, interpolating within the owning bucket. Returned in
// milliseconds to match latency thresholds.
func histogramP95MS(fam *dto.MetricFamily) (float64, bool) {
	type bucket struct {
		upper float64
		count uint64
	}
	merged := make(map[float64]uint64)
	var total uint64
	for _, m := range fam.GetMetric() {
		h := m.GetHistogram()
		total += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if total == 0 {
		return 0, false
	}
	buckets := make([]bucket, 0, len(merged))
	for upper, count := range merged {
		buckets = append(buckets, bucket{upper: upper, count: count})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].upper < buckets[j].upper })

	target := uint64(math.Ceil(float64(total) * 0.95))
	lowerBound, lowerCount := 0.0, uint64(0)
	for _, b := range buckets {
		if b.count >= target {
			if math.IsInf(b.upper, 1) {
				return lowerBound * 1000, true
			}
			span := float64(b.count - lowerCount)
			if span == 0 {
				return b.upper * 1000, true
			}
			frac := float64(target-lowerCount) / span
			return (lowerBound + (b.upper-lowerBound)*frac) * 1000, true
		}
		lowerBound, lowerCount = b.upper, b.count
	}
	return lowerBound * 1000, true
}

// Evaluate applies every enabled rule to its sample window, opening alerts
// whose condition has held for the rule's duration and resolving those whose
// condition no longer holds.
func (e *AlertEngine) Evaluate(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		value, ok := e.aggregate(rule, now)
		holds := ok && compare(rule.Operator, value, rule.Threshold)

		key := rule.ID
		if holds {
			since, tracked := e.holdSince[key]
			if !tracked {
				e.holdSince[key] = now
				since = now
			}
			if now.Sub(since) >= rule.For && e.active[key] == nil {
				e.fire(ctx, rule, value, now)
			}
		} else {
			delete(e.holdSince, key)
			if inst := e.active[key]; inst != nil {
				e.resolve(ctx, rule, inst, now)
			}
		}
	}
}

func (e *AlertEngine) aggregate(rule Rule, now time.Time) (float64, bool) {
	ring := e.samples[rule.Metric]
	cutoff := now.Add(-rule.Window)
	var values []float64
	for _, s := range ring {
		if !s.at.Before(cutoff) {
			values = append(values, s.value)
		}
	}
	if len(values) == 0 {
		return 0, false
	}

	switch rule.Aggregation {
	case AggCount:
		return float64(len(values)), true
	case AggSum, AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		if rule.Aggregation == AggSum {
			return sum, true
		}
		return sum / float64(len(values)), true
	case AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, true
	case AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, true
	default:
		return 0, false
	}
}

func compare(op string, value, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	default:
		return false
	}
}

func (e *AlertEngine) fire(ctx context.Context, rule Rule, value float64, now time.Time) {
	inst := &Instance{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		FiredAt:  now,
		Value:    value,
		Severity: rule.Severity,
		Message: fmt.Sprintf("%s: %s(%s) %s %g (observed %.4g)",
			rule.Name, rule.Aggregation, rule.Metric, rule.Operator, rule.Threshold, value),
	}
	e.active[rule.ID] = inst
	e.persist(ctx, inst)

	slog.Warn("alerts.fired",
		"rule", rule.ID, "severity", string(rule.Severity), "value", value)
	if e.notify != nil {
		e.notify(rule.Severity, inst.Message)
	}
}

func (e *AlertEngine) resolve(ctx context.Context, rule Rule, inst *Instance, now time.Time) {
	resolved := now
	inst.ResolvedAt = &resolved
	delete(e.active, rule.ID)

	e.history = append(e.history, *inst)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
	e.persist(ctx, inst)

	slog.Info("alerts.resolved", "rule", rule.ID, "duration", now.Sub(inst.FiredAt))
	if e.notify != nil {
		e.notify(SeverityLow, fmt.Sprintf("%s resolved", rule.Name))
	}
}

func (e *AlertEngine) persist(ctx context.Context, inst *Instance) {
	if e.kv == nil {
		return
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return
	}
	id := fmt.Sprintf("%s:%d", inst.RuleID, inst.FiredAt.UnixMilli())
	if err := e.kv.Set(ctx, store.AlertKey(id), data, alertRetention); err != nil {
		slog.Warn("alerts.persist_failed", "rule", inst.RuleID, "error", err)
	}
}

// Active returns currently firing alerts, oldest first.
func (e *AlertEngine) Active() []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Instance, 0, len(e.active))
	for _, inst := range e.active {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out
}

// Recent returns resolved alerts, newest first.
func (e *AlertEngine) Recent() []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Instance, len(e.history))
	copy(out, e.history)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/deskwire/internal/llm"
	"github.com/nextlevelbuilder/deskwire/internal/monitor"
)

// defaultTimeout bounds tool execution when the tool does not set its own.
const defaultTimeout = 10 * time.Second

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry dispatches tool executions by name. Tools are registered at
// startup and the registry is immutable afterwards, so lookups need no lock.
type Registry struct {
	tools   map[string]*registered
	metrics *monitor.Metrics
	sealed  bool
}

// NewRegistry creates an empty registry. metrics may be nil in tests.
func NewRegistry(metrics *monitor.Metrics) *Registry {
	return &Registry{tools: make(map[string]*registered), metrics: metrics}
}

// Register adds a tool, compiling its parameter schema once. Duplicate
// names and registration after Seal are programming errors.
func (r *Registry) Register(t Tool) error {
	if r.sealed {
		return fmt.Errorf("registry sealed, cannot register %q", t.Name())
	}
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("tool %q: marshal schema: %w", name, err)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", name, err)
	}

	r.tools[name] = &registered{tool: t, schema: schema}
	slog.Debug("tools.registered", "tool", name)
	return nil
}

// Seal freezes the registry; call after startup registration.
func (r *Registry) Seal() { r.sealed = true }

// Names returns registered tool names, ascending.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the registry for the provider tool list.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		reg := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunctionSchema{
				Name:        name,
				Description: reg.tool.Describe(),
				Parameters:  reg.tool.Schema(),
			},
		})
	}
	return defs
}

// Execute validates and runs the named tool. Every failure mode returns an
// unsuccessful Result rather than an error: the model consumes the result
// text either way.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, ec ExecContext) *Result {
	start := time.Now()

	reg, ok := r.tools[name]
	if !ok {
		return r.finish(&Result{Success: false, Error: "unknown tool"}, name, ec, start, "")
	}

	for _, tag := range reg.tool.Permissions() {
		if !ec.HasPermission(tag) {
			slog.Info("tools.permission_denied",
				"tool", name, "session", ec.Session, "permission", tag)
			return r.finish(Fail("insufficient permissions"), name, ec, start, "")
		}
	}

	params = applyDefaults(reg.tool.Schema(), params)
	if err := reg.schema.Validate(normalize(params)); err != nil {
		return r.finish(Fail(validationMessage(err)), name, ec, start, "")
	}

	timeout := reg.tool.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Run in a goroutine so a tool that ignores its context cannot hold
	// the pipeline past the deadline. The abandoned goroutine finishes on
	// its own; its result is dropped.
	done := make(chan *Result, 1)
	go func() { done <- r.run(tctx, reg.tool, params) }()

	select {
	case result := <-done:
		return r.finish(result, name, ec, start, "")
	case <-tctx.Done():
		slog.Warn("tools.timeout", "tool", name, "session", ec.Session, "timeout", timeout)
		return r.finish(
			Fail(fmt.Sprintf("ToolTimeout: %s exceeded %s", name, timeout)),
			name, ec, start, "timeout")
	}
}

// run isolates the tool body so a panic becomes an unsuccessful result.
func (r *Registry) run(ctx context.Context, t Tool, params map[string]interface{}) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tools.panic", "tool", t.Name(), "panic", rec)
			result = Fail(fmt.Sprintf("tool panicked: %v", rec))
		}
	}()
	result = t.Execute(ctx, params)
	if result == nil {
		result = Fail("tool returned no result")
	}
	return result
}

func (r *Registry) finish(result *Result, name string, ec ExecContext, start time.Time, status string) *Result {
	now := time.Now()
	result.Tool = name
	result.Session = ec.Session
	result.StartedAt = start
	result.FinishedAt = now
	result.Duration = now.Sub(start)

	if r.metrics != nil {
		if status == "" {
			status = "success"
			if !result.Success {
				status = "error"
			}
		}
		r.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
		r.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(result.Duration.Seconds())
	}
	slog.Debug("tools.executed",
		"tool", name, "session", ec.Session,
		"success", result.Success, "duration_ms", result.Duration.Milliseconds())
	return result
}

// applyDefaults fills absent top-level properties from schema defaults.
// Returns a copy; the caller's map is never mutated.
func applyDefaults(schema, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	props, _ := schema["properties"].(map[string]interface{})
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if def, has := prop["default"]; has {
			if _, present := out[name]; !present {
				out[name] = def
			}
		}
	}
	return out
}

// normalize round-trips params through JSON so the validator sees the same
// value shapes it would on the wire (e.g. ints become float64).
func normalize(params map[string]interface{}) interface{} {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return params
	}
	return v
}

// validationMessage flattens a schema error to its most specific cause so
// the model sees a field-level message.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "parameters"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}

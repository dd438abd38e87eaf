package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/store"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Executor runs workflow executions. Definitions are registered at startup;
// executions run on background goroutines with state persisted to the warm
// KV after every transition.
type Executor struct {
	kv          store.KV
	metrics     *monitor.Metrics
	concurrency int
	stepTimeout time.Duration

	mu          sync.Mutex
	definitions map[string]Definition
	waiters     map[string]chan struct{}
}

// NewExecutor builds an executor. concurrency <= 0 defaults to 4.
func NewExecutor(kv store.KV, concurrency int, stepTimeout time.Duration, metrics *monitor.Metrics) *Executor {
	if concurrency <= 0 {
		concurrency = 4
	}
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	return &Executor{
		kv:          kv,
		metrics:     metrics,
		concurrency: concurrency,
		stepTimeout: stepTimeout,
		definitions: make(map[string]Definition),
		waiters:     make(map[string]chan struct{}),
	}
}

// Register adds a definition; call at startup.
func (e *Executor) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.definitions[def.Name] = def
	return nil
}

// Definitions returns registered workflow names, ascending.
func (e *Executor) Definitions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.definitions))
	for name := range e.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateDefinition rejects unknown dependencies and cycles at
// registration time so executions cannot deadlock.
func validateDefinition(def Definition) error {
	if def.Name == "" {
		return errors.New("workflow name required")
	}
	ids := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" || s.Handler == nil {
			return fmt.Errorf("workflow %q: step needs id and handler", def.Name)
		}
		if ids[s.ID] {
			return fmt.Errorf("workflow %q: duplicate step %q", def.Name, s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("workflow %q: step %q depends on unknown %q", def.Name, s.ID, dep)
			}
		}
	}
	// Kahn's algorithm detects cycles.
	indeg := make(map[string]int, len(def.Steps))
	for _, s := range def.Steps {
		indeg[s.ID] = len(s.DependsOn)
	}
	resolved := 0
	for changed := true; changed; {
		changed = false
		for _, s := range def.Steps {
			if indeg[s.ID] == 0 {
				indeg[s.ID] = -1
				resolved++
				changed = true
				for _, t := range def.Steps {
					for _, dep := range t.DependsOn {
						if dep == s.ID {
							indeg[t.ID]--
						}
					}
				}
			}
		}
	}
	if resolved != len(def.Steps) {
		return fmt.Errorf("workflow %q: dependency cycle", def.Name)
	}
	return nil
}

// Execute starts an execution and returns its id immediately.
func (e *Executor) Execute(ctx context.Context, workflow string, input map[string]interface{}, ec ExecContext) (string, *protocol.Error) {
	e.mu.Lock()
	def, ok := e.definitions[workflow]
	e.mu.Unlock()
	if !ok {
		return "", protocol.NotFound(protocol.CodeWorkflowExecutionFailed,
			fmt.Sprintf("unknown workflow %q", workflow))
	}

	execID := uuid.NewString()
	exec := &Execution{
		ID:        execID,
		Workflow:  workflow,
		Status:    ExecRunning,
		Context:   ec,
		Input:     input,
		StartedAt: time.Now(),
	}
	for _, s := range def.Steps {
		exec.Steps = append(exec.Steps, StepState{
			ID:             s.ID,
			Status:         StepPending,
			IdempotencyKey: execID + ":" + s.ID,
		})
	}

	rs := &runState{executor: e, def: def, exec: exec}
	if err := rs.persist(ctx); err != nil {
		return "", protocol.Storage("failed to persist execution", err)
	}

	e.mu.Lock()
	e.waiters[execID] = make(chan struct{})
	e.mu.Unlock()

	go rs.run(context.WithoutCancel(ctx))

	slog.Info("workflow.started", "workflow", workflow, "execution", execID)
	return execID, nil
}

// GetStatus returns the persisted execution record.
func (e *Executor) GetStatus(ctx context.Context, execID string) (Execution, *protocol.Error) {
	raw, err := e.kv.Get(ctx, store.WorkflowKey(execID))
	if errors.Is(err, store.ErrNotFound) {
		return Execution{}, protocol.NotFound(protocol.CodeWorkflowExecutionFailed, "execution not found")
	}
	if err != nil {
		return Execution{}, protocol.Storage("failed to read execution", err)
	}
	var exec Execution
	if uerr := json.Unmarshal(raw, &exec); uerr != nil {
		return Execution{}, protocol.Internal(uerr)
	}
	return exec, nil
}

// WaitFor blocks until the execution reaches a terminal state or ctx expires.
func (e *Executor) WaitFor(ctx context.Context, execID string) (Execution, *protocol.Error) {
	e.mu.Lock()
	ch, ok := e.waiters[execID]
	e.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return Execution{}, protocol.Timeout("execution still running")
		}
	}
	return e.GetStatus(ctx, execID)
}

// Resume restarts executions that a previous process left running. Steps
// caught mid-run are reset to pending; their idempotency keys are unchanged
// so re-running is safe.
func (e *Executor) Resume(ctx context.Context) error {
	keys, err := e.kv.List(ctx, "workflow:")
	if err != nil {
		return err
	}
	for _, key := range keys {
		execID := strings.TrimPrefix(key, "workflow:")
		exec, perr := e.GetStatus(ctx, execID)
		if perr != nil || exec.Status != ExecRunning {
			continue
		}
		e.mu.Lock()
		def, ok := e.definitions[exec.Workflow]
		if ok {
			if _, exists := e.waiters[execID]; !exists {
				e.waiters[execID] = make(chan struct{})
			}
		}
		e.mu.Unlock()
		if !ok {
			slog.Warn("workflow.resume_unknown_definition",
				"execution", execID, "workflow", exec.Workflow)
			continue
		}

		for i := range exec.Steps {
			if exec.Steps[i].Status == StepRunning || exec.Steps[i].Status == StepWaitingRetry {
				exec.Steps[i].Status = StepPending
			}
		}
		rs := &runState{executor: e, def: def, exec: &exec}
		if err := rs.persist(ctx); err != nil {
			slog.Error("workflow.resume_persist_failed", "execution", execID, "error", err)
			continue
		}
		slog.Info("workflow.resumed", "execution", execID, "workflow", exec.Workflow)
		go rs.run(context.WithoutCancel(ctx))
	}
	return nil
}

func (e *Executor) finish(execID string) {
	e.mu.Lock()
	if ch, ok := e.waiters[execID]; ok {
		close(ch)
		delete(e.waiters, execID)
	}
	e.mu.Unlock()
}

// runState drives one execution. exec is guarded by mu; the scheduler and
// step goroutines both transition through it.
type runState struct {
	executor *Executor
	def      Definition
	exec     *Execution
	mu       sync.Mutex
}

type stepResult struct {
	id     string
	failed bool
}

func (rs *runState) run(ctx context.Context) {
	defer rs.executor.finish(rs.exec.ID)

	results := make(chan stepResult)
	inflight := 0
	halted := false

	for {
		if !halted {
			for _, step := range rs.eligible() {
				if inflight >= rs.executor.concurrency {
					break
				}
				inflight++
				go rs.runStep(ctx, step, results)
			}
		}

		if inflight == 0 {
			rs.settle(ctx, halted)
			return
		}

		res := <-results
		inflight--
		if res.failed {
			// Stop launching; drain in-flight steps, then compensate.
			halted = true
		}
	}
}

// eligible returns pending steps whose dependencies are all completed,
// ascending by id.
func (rs *runState) eligible() []Step {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var out []Step
	for _, step := range rs.def.Steps {
		state := rs.exec.step(step.ID)
		if state == nil || state.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if ds := rs.exec.step(dep); ds == nil || ds.Status != StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// runStep drives one step through its attempts to a terminal status.
func (rs *runState) runStep(ctx context.Context, step Step, results chan<- stepResult) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = rs.executor.stepTimeout
	}

	for {
		attempt := rs.beginAttempt(ctx, step.ID)

		input := rs.stepInput(step.ID, attempt)
		sctx, cancel := context.WithTimeout(ctx, timeout)
		output, err := step.Handler(sctx, input)
		timedOut := sctx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			rs.completeStep(ctx, step.ID, output)
			results <- stepResult{id: step.ID}
			return
		}
		if timedOut && !isNonRetryable(err) {
			err = Tagged("timeout", fmt.Errorf("step %s timed out after %s", step.ID, timeout))
		}

		policy := step.Retry
		if retryable(policy, err) && attempt < policy.MaxAttempts {
			delay := retryDelay(policy, attempt)
			slog.Warn("workflow.step_retry",
				"execution", rs.exec.ID, "step", step.ID,
				"attempt", attempt, "delay", delay, "error", err)
			rs.parkForRetry(ctx, step.ID)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
			}
		}

		rs.failStep(ctx, step.ID, err)
		results <- stepResult{id: step.ID, failed: true}
		return
	}
}

// retryable applies the error-tag policy. Timeouts stay retryable unless
// explicitly tagged non-retryable.
func retryable(policy RetryPolicy, err error) bool {
	if isNonRetryable(err) {
		return false
	}
	var se *StepError
	if !errors.As(err, &se) || se.Tag == "" {
		return len(policy.RetryableTags) == 0
	}
	if se.Tag == "timeout" {
		return true
	}
	if len(policy.RetryableTags) == 0 {
		return true
	}
	for _, tag := range policy.RetryableTags {
		if tag == se.Tag {
			return true
		}
	}
	return false
}

func isNonRetryable(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Tag == NonRetryableTag
}

// settle finalizes the execution: completed when every step finished,
// otherwise compensation and rolled-back.
func (rs *runState) settle(ctx context.Context, halted bool) {
	rs.mu.Lock()
	allDone := true
	for i := range rs.exec.Steps {
		if rs.exec.Steps[i].Status != StepCompleted {
			allDone = false
			break
		}
	}
	rs.mu.Unlock()

	if allDone && !halted {
		rs.transition(ctx, func(exec *Execution) {
			exec.Status = ExecCompleted
			exec.FinishedAt = time.Now()
		})
		slog.Info("workflow.completed", "execution", rs.exec.ID, "workflow", rs.exec.Workflow)
		return
	}

	rs.transition(ctx, func(exec *Execution) {
		exec.Status = ExecFailed
		if exec.Error == "" {
			exec.Error = "one or more steps failed"
		}
	})
	rs.compensate(ctx)
}

// compensate invokes compensation handles of completed steps in reverse
// completion order. Failures are logged and do not block the next one.
func (rs *runState) compensate(ctx context.Context) {
	rs.mu.Lock()
	var completed []StepState
	for _, s := range rs.exec.Steps {
		if s.Status == StepCompleted {
			completed = append(completed, s)
		}
	}
	rs.mu.Unlock()
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CompletedAt.After(completed[j].CompletedAt)
	})

	for _, state := range completed {
		step := rs.defStep(state.ID)
		if step == nil || step.Compensate == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, rs.executor.stepTimeout)
		err := step.Compensate(cctx, rs.stepInput(state.ID, state.Attempts))
		cancel()
		if err != nil {
			slog.Error("workflow.compensation_failed",
				"execution", rs.exec.ID, "step", state.ID, "error", err)
		}
		rs.transition(ctx, func(exec *Execution) {
			if s := exec.step(state.ID); s != nil {
				s.Status = StepCompensated
			}
		})
		rs.countStep(state.ID, "compensated")
	}

	rs.transition(ctx, func(exec *Execution) {
		exec.Status = ExecRolledBack
		exec.FinishedAt = time.Now()
	})
	if rs.executor.metrics != nil {
		rs.executor.metrics.WorkflowRollbacks.Inc()
	}
	slog.Warn("workflow.rolled_back", "execution", rs.exec.ID, "workflow", rs.exec.Workflow)
}

func (rs *runState) defStep(id string) *Step {
	for i := range rs.def.Steps {
		if rs.def.Steps[i].ID == id {
			return &rs.def.Steps[i]
		}
	}
	return nil
}

func (rs *runState) beginAttempt(ctx context.Context, id string) int {
	attempt := 0
	rs.transition(ctx, func(exec *Execution) {
		s := exec.step(id)
		s.Status = StepRunning
		s.Attempts++
		attempt = s.Attempts
	})
	return attempt
}

func (rs *runState) completeStep(ctx context.Context, id string, output map[string]interface{}) {
	rs.transition(ctx, func(exec *Execution) {
		s := exec.step(id)
		s.Status = StepCompleted
		s.Output = output
		s.Error = ""
		s.CompletedAt = time.Now()
	})
	rs.countStep(id, "completed")
}

// parkForRetry holds a step in waiting-retry through its backoff sleep.
// The scheduler only launches pending steps, so the goroutine that parked
// the step stays its sole driver until the next attempt begins.
func (rs *runState) parkForRetry(ctx context.Context, id string) {
	rs.transition(ctx, func(exec *Execution) {
		exec.step(id).Status = StepWaitingRetry
	})
}

func (rs *runState) failStep(ctx context.Context, id string, err error) {
	rs.transition(ctx, func(exec *Execution) {
		s := exec.step(id)
		s.Status = StepFailed
		s.Error = err.Error()
		exec.Error = fmt.Sprintf("step %s: %v", id, err)
	})
	rs.countStep(id, "failed")
	slog.Error("workflow.step_failed", "execution", rs.exec.ID, "step", id, "error", err)
}

func (rs *runState) stepInput(id string, attempt int) StepInput {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	outputs := make(map[string]map[string]interface{})
	for _, s := range rs.exec.Steps {
		if s.Status == StepCompleted && s.Output != nil {
			outputs[s.ID] = s.Output
		}
	}
	in := StepInput{
		Execution:      rs.exec.ID,
		Step:           id,
		Attempt:        attempt,
		IdempotencyKey: rs.exec.ID + ":" + id,
		Context:        rs.exec.Context,
		Outputs:        outputs,
	}
	if rs.exec.Input != nil {
		if outputs["$input"] == nil {
			outputs["$input"] = rs.exec.Input
		}
	}
	return in
}

// transition mutates the execution under the lock and persists it.
func (rs *runState) transition(ctx context.Context, fn func(*Execution)) {
	rs.mu.Lock()
	fn(rs.exec)
	rs.mu.Unlock()
	if err := rs.persist(ctx); err != nil {
		slog.Error("workflow.persist_failed", "execution", rs.exec.ID, "error", err)
	}
}

func (rs *runState) persist(ctx context.Context) error {
	rs.mu.Lock()
	raw, err := json.Marshal(rs.exec)
	id := rs.exec.ID
	rs.mu.Unlock()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return rs.executor.kv.Set(pctx, store.WorkflowKey(id), raw, 0)
}

func (rs *runState) countStep(id, status string) {
	if rs.executor.metrics != nil {
		rs.executor.metrics.WorkflowStepCounter.
			WithLabelValues(rs.exec.Workflow, id, status).Inc()
	}
}

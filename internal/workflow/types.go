// Package workflow executes directed acyclic step graphs with retries,
// compensation, and durable execution state.
package workflow

import (
	"context"
	"time"
)

// StepStatus is the observable per-step state machine.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepWaitingRetry StepStatus = "waiting-retry"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensated  StepStatus = "compensated"
)

// ExecStatus is the overall execution state.
type ExecStatus string

const (
	ExecRunning    ExecStatus = "running"
	ExecCompleted  ExecStatus = "completed"
	ExecFailed     ExecStatus = "failed"
	ExecRolledBack ExecStatus = "rolled-back"
)

// Strategy selects the retry delay curve.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// RetryPolicy bounds step re-runs.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Strategy    Strategy      `json:"strategy"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`

	// RetryableTags marks error tags worth retrying. Empty means every
	// failure is retryable within the attempt budget.
	RetryableTags []string `json:"retryable_tags,omitempty"`
}

// StepError carries a retryability tag from a handler.
type StepError struct {
	Tag string // matched against RetryPolicy.RetryableTags
	Err error
}

func (e *StepError) Error() string { return e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Tagged wraps an error with a retry tag.
func Tagged(tag string, err error) *StepError {
	return &StepError{Tag: tag, Err: err}
}

// NonRetryableTag marks failures that must never be retried.
const NonRetryableTag = "non_retryable"

// Handler runs one step. The idempotency key is stable across attempts so
// side-effecting handlers can deduplicate.
type Handler func(ctx context.Context, input StepInput) (map[string]interface{}, error)

// Compensator undoes a completed step during rollback.
type Compensator func(ctx context.Context, input StepInput) error

// StepInput is what a handler (or compensator) sees.
type StepInput struct {
	Execution      string
	Step           string
	Attempt        int
	IdempotencyKey string
	Context        ExecContext
	// Outputs holds the recorded outputs of completed dependency steps.
	Outputs map[string]map[string]interface{}
}

// Step declares one node of the graph.
type Step struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Retry      RetryPolicy   `json:"retry"`
	Handler    Handler       `json:"-"`
	Compensate Compensator   `json:"-"`
}

// Definition is a named workflow graph.
type Definition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// ExecContext identifies who an execution runs for.
type ExecContext struct {
	Session string            `json:"session,omitempty"`
	User    string            `json:"user,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
}

// StepState is the persisted per-step record.
type StepState struct {
	ID             string                 `json:"id"`
	Status         StepStatus             `json:"status"`
	Attempts       int                    `json:"attempts"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CompletedAt    time.Time              `json:"completed_at,omitempty"`
}

// Execution is the persisted execution record (warm KV key workflow:<id>).
type Execution struct {
	ID         string                 `json:"id"`
	Workflow   string                 `json:"workflow"`
	Status     ExecStatus             `json:"status"`
	Context    ExecContext            `json:"context"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Steps      []StepState            `json:"steps"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// step returns the state entry for id, or nil.
func (e *Execution) step(id string) *StepState {
	for i := range e.Steps {
		if e.Steps[i].ID == id {
			return &e.Steps[i]
		}
	}
	return nil
}

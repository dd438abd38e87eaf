// Package tools implements the tool registry: named capabilities the model
// can invoke, with schema validation, permission checks, and timeouts.
package tools

import (
	"context"
	"time"
)

// Tool is one registered capability.
type Tool interface {
	// Name returns the unique registry name.
	Name() string

	// Describe returns the description shown to the model.
	Describe() string

	// Schema returns the JSON-schema-shaped parameter definition
	// (type, properties, required, enums, defaults).
	Schema() map[string]interface{}

	// Permissions returns the permission tags a caller must hold.
	// Empty means unrestricted.
	Permissions() []string

	// Timeout returns the per-call deadline; 0 uses the registry default.
	Timeout() time.Duration

	// Execute runs the tool. Arguments have been validated against Schema
	// with defaults applied. Panics are recovered by the registry.
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ExecContext identifies the caller for permission checks and audit fields.
type ExecContext struct {
	Session     string
	RequestID   string
	Permissions []string
}

// HasPermission reports whether the caller holds the tag.
func (c ExecContext) HasPermission(tag string) bool {
	for _, p := range c.Permissions {
		if p == tag {
			return true
		}
	}
	return false
}

// Result is the unified return type from tool execution.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`

	// Metadata set by the registry on every execution.
	Tool       string        `json:"tool"`
	Session    string        `json:"session,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Ok builds a successful result carrying data.
func Ok(data interface{}) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds an unsuccessful result with a human-readable error.
func Fail(message string) *Result {
	return &Result{Success: false, Error: message}
}

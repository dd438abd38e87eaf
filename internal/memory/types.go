// Package memory implements the per-session conversation engine. Each
// session is owned by exactly one actor goroutine; every operation on the
// session serializes through its mailbox.
package memory

import (
	"time"

	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusEnded    Status = "ended"
	StatusArchived Status = "archived"
)

// Session is the durable session record (warm KV key session:<id>).
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id,omitempty"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ToolCallRecord is a tool invocation attached to an assistant message.
type ToolCallRecord struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message is one chat message. Append-only within a session; order is
// timestamp-stable with ties broken by insertion order.
type Message struct {
	ID        string           `json:"id"`
	Session   string           `json:"session"`
	Role      string           `json:"role"` // user, assistant, system, tool
	Content   string           `json:"content"`
	Timestamp int64            `json:"timestamp"` // unix milliseconds
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// ProcessingMS records pipeline latency for assistant messages.
	ProcessingMS int64 `json:"processing_ms,omitempty"`
}

// Record is the durable conversation state (warm KV key memory:<id>).
type Record struct {
	Session              string    `json:"session"`
	Messages             []Message `json:"messages"`
	Summary              string    `json:"summary,omitempty"`
	Topics               []string  `json:"topics,omitempty"`
	ResolvedIssues       []string  `json:"resolved_issues,omitempty"`
	LastSummaryAt        int64     `json:"last_summary_at,omitempty"` // unix ms
	MessagesSinceSummary int       `json:"messages_since_summary"`
}

// Context is the derived, read-only view handed to prompt assembly.
type Context struct {
	Session        string    `json:"session"`
	Summary        string    `json:"summary,omitempty"`
	Messages       []Message `json:"messages"` // last <= 20, chronological
	Topics         []string  `json:"topics,omitempty"`
	ResolvedIssues []string  `json:"resolved_issues,omitempty"`
}

// contextWindow bounds the number of recent messages in a Context.
const contextWindow = 20

// archive is the cold-blob payload written on archival.
type archive struct {
	Session    Session   `json:"session"`
	Record     Record    `json:"record"`
	ArchivedAt time.Time `json:"archived_at"`
}

// archivePointer is the warm KV record locating a session's cold archive.
type archivePointer struct {
	Session    string    `json:"session"`
	BlobPath   string    `json:"blob_path"`
	ArchivedAt time.Time `json:"archived_at"`
	Messages   int       `json:"messages"`
}

// SessionEnded rejects appends to a session that is not active.
func SessionEnded(id string) *protocol.Error {
	return protocol.E(protocol.KindValidation, protocol.CodeInvalidSession,
		"session is no longer active").WithDetail("session", id)
}

// Corrupted signals an archive pointer whose blob is missing or unreadable.
func Corrupted(id string, err error) *protocol.Error {
	return protocol.E(protocol.KindStorage, protocol.CodeStorageError,
		"session archive is corrupted").WithDetail("session", id).Wrap(err)
}

package store

import (
	"fmt"
	"time"
)

// Warm KV key layout. Keys are deterministic so retried writes are idempotent.
func SessionKey(id string) string        { return "session:" + id }
func MemoryKey(id string) string         { return "memory:" + id }
func ArchivePointerKey(id string) string { return "archive_pointer:" + id }
func WorkflowKey(execID string) string   { return "workflow:" + execID }
func AlertKey(id string) string          { return "alert:" + id }

// RateLimitKey tracks one sliding window per (session, kind).
func RateLimitKey(session, kind string) string {
	return fmt.Sprintf("ratelimit:%s:%s", session, kind)
}

// ErrorLogKey persists one error-level log entry (7-day retention).
func ErrorLogKey(ts time.Time, requestID string) string {
	return fmt.Sprintf("log:error:%d:%s", ts.UnixMilli(), requestID)
}

// MetricsKey buckets persisted metric snapshots per minute.
func MetricsKey(minute time.Time) string {
	return "metrics:" + minute.UTC().Format("200601021504")
}

// ArchiveBlobPath is the cold-store location for an archived conversation.
func ArchiveBlobPath(session string, ts time.Time) string {
	return fmt.Sprintf("archive/%s/%s.json", session, ts.UTC().Format(time.RFC3339))
}

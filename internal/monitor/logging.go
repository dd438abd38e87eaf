package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

const errorLogRetention = 7 * 24 * time.Hour

// SetupLogging installs the default slog handler, wrapping it so error-level
// entries are additionally persisted to the warm KV under
// log:error:<ts>:<request_id> with 7-day retention. kv may be nil (tests,
// early startup) in which case entries only go to stdout.
func SetupLogging(level slog.Level, kv store.KV) {
	base := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(NewKVErrorHandler(base, kv)))
}

// KVErrorHandler is a slog.Handler that tees error records into the warm KV.
type KVErrorHandler struct {
	inner slog.Handler
	kv    store.KV
	attrs []slog.Attr
}

func NewKVErrorHandler(inner slog.Handler, kv store.KV) *KVErrorHandler {
	return &KVErrorHandler{inner: inner, kv: kv}
}

func (h *KVErrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *KVErrorHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelError && h.kv != nil {
		h.persist(rec)
	}
	return h.inner.Handle(ctx, rec)
}

func (h *KVErrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &KVErrorHandler{inner: h.inner.WithAttrs(attrs), kv: h.kv, attrs: merged}
}

func (h *KVErrorHandler) WithGroup(name string) slog.Handler {
	return &KVErrorHandler{inner: h.inner.WithGroup(name), kv: h.kv, attrs: h.attrs}
}

type persistedEntry struct {
	Timestamp int64             `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

func (h *KVErrorHandler) persist(rec slog.Record) {
	entry := persistedEntry{
		Timestamp: rec.Time.UnixMilli(),
		Level:     rec.Level.String(),
		Message:   rec.Message,
		Attrs:     make(map[string]string),
	}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.String()
	}
	requestID := "-"
	rec.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.String()
		if a.Key == "request_id" {
			requestID = a.Value.String()
		}
		return true
	})
	if v, ok := entry.Attrs["request_id"]; ok {
		requestID = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	// Persist on a short detached context: log persistence must never block
	// or fail the caller's request path.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := store.ErrorLogKey(rec.Time, requestID)
	if err := h.kv.Set(ctx, key, data, errorLogRetention); err != nil {
		// Nothing sensible to do; the stdout line still carries the entry.
		_ = err
	}
}

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/store"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Summarizer condenses messages into an updated summary. Implemented by the
// LLM layer; stubbed in tests.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, messages []Message) (string, error)
}

// Tunables for one actor. Zero values are replaced with the defaults below.
type Tunables struct {
	MaxMessages    int
	KeepRecent     int
	SummaryTrigger int
	TTL            time.Duration
	MailboxSize    int
}

func (t Tunables) withDefaults() Tunables {
	if t.MaxMessages <= 0 {
		t.MaxMessages = 100
	}
	if t.KeepRecent <= 0 {
		t.KeepRecent = 20
	}
	if t.SummaryTrigger <= 0 {
		t.SummaryTrigger = 20
	}
	if t.TTL <= 0 {
		t.TTL = 24 * time.Hour
	}
	if t.MailboxSize <= 0 {
		t.MailboxSize = 100
	}
	return t
}

type opKind int

const (
	opInit opKind = iota
	opAdd
	opGetContext
	opSummarize
	opArchive
	opRestore
	opCleanup
	opEnd
	opHistory
	opSetSummary // internal: background summarization result
	opStop       // internal: idle eviction
)

type request struct {
	op   opKind
	ctx  context.Context
	msg  Message           // opAdd
	user string            // opInit
	meta map[string]string // opInit

	summary    string // opSetSummary
	summarized int    // opSetSummary: messages covered

	limit  int // opHistory
	offset int // opHistory

	reply chan response
}

type response struct {
	session Session
	view    Context
	summary string
	total   int // opHistory: messages held before paging
	err     *protocol.Error
}

func (r *request) respond(resp response) {
	if r.reply != nil {
		r.reply <- resp
	}
}

// actor owns one session. All state below mailbox is touched only by the
// actor goroutine.
type actor struct {
	id         string
	kv         store.KV
	blob       store.Blob
	summarizer Summarizer
	tunables   Tunables
	metrics    *monitor.Metrics

	mailbox chan *request
	stopped chan struct{}

	session         Session
	record          Record
	summaryInFlight bool
	lastTouched     time.Time
}

func newActor(id string, kv store.KV, blob store.Blob, summarizer Summarizer, tun Tunables, metrics *monitor.Metrics) *actor {
	tun = tun.withDefaults()
	return &actor{
		id:         id,
		kv:         kv,
		blob:       blob,
		summarizer: summarizer,
		tunables:   tun,
		metrics:    metrics,
		mailbox:    make(chan *request, tun.MailboxSize),
		stopped:    make(chan struct{}),
	}
}

// load reads durable state before the loop starts. Missing keys leave the
// zero state; init creates the records.
func (a *actor) load(ctx context.Context) error {
	if raw, err := a.kv.Get(ctx, store.SessionKey(a.id)); err == nil {
		if uerr := json.Unmarshal(raw, &a.session); uerr != nil {
			return fmt.Errorf("session %s: decode: %w", a.id, uerr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if raw, err := a.kv.Get(ctx, store.MemoryKey(a.id)); err == nil {
		if uerr := json.Unmarshal(raw, &a.record); uerr != nil {
			return fmt.Errorf("memory %s: decode: %w", a.id, uerr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (a *actor) run() {
	defer close(a.stopped)
	for req := range a.mailbox {
		if req.op == opStop {
			req.respond(response{})
			return
		}
		a.handle(req)
	}
}

// post enqueues a request. On a full mailbox the oldest queued request is
// dropped (and answered with an overflow error) so the sender never blocks.
func (a *actor) post(req *request) bool {
	select {
	case a.mailbox <- req:
		return true
	default:
	}

	select {
	case dropped := <-a.mailbox:
		slog.Warn("memory.mailbox_overflow", "session", a.id, "dropped_op", dropped.op)
		dropped.respond(response{err: protocol.E(protocol.KindInternal,
			protocol.CodeInternalError, "session queue overflow, message dropped")})
	default:
	}

	select {
	case a.mailbox <- req:
		return true
	case <-a.stopped:
		return false
	}
}

func (a *actor) handle(req *request) {
	a.lastTouched = time.Now()
	switch req.op {
	case opInit:
		req.respond(a.handleInit(req))
	case opAdd:
		req.respond(a.handleAdd(req))
	case opGetContext:
		req.respond(response{session: a.session, view: a.contextView()})
	case opSummarize:
		req.respond(a.handleSummarize(req.ctx))
	case opArchive:
		req.respond(a.handleArchive(req.ctx))
	case opRestore:
		req.respond(a.handleRestore(req.ctx))
	case opCleanup:
		req.respond(a.handleCleanup(req.ctx))
	case opEnd:
		req.respond(a.handleEnd(req.ctx))
	case opHistory:
		req.respond(a.handleHistory(req))
	case opSetSummary:
		a.handleSetSummary(req)
		req.respond(response{})
	}
}

func (a *actor) handleInit(req *request) response {
	if a.session.ID != "" {
		// Idempotent: the existing view is returned unchanged.
		return response{session: a.session, view: a.contextView()}
	}
	now := time.Now()
	a.session = Session{
		ID:           a.id,
		UserID:       req.user,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     req.meta,
	}
	a.record = Record{Session: a.id}
	if err := a.persist(req.ctx, true, true); err != nil {
		a.session = Session{}
		return response{err: protocol.Storage("failed to create session", err)}
	}
	slog.Info("memory.session_created", "session", a.id, "user", req.user)
	return response{session: a.session, view: a.contextView()}
}

func (a *actor) handleAdd(req *request) response {
	if a.session.ID == "" {
		return response{err: protocol.NotFound(protocol.CodeSessionNotFound, "session not found")}
	}
	if a.session.Status != StatusActive {
		return response{err: SessionEnded(a.id)}
	}

	// Idempotent by message id: a retried append is a no-op.
	for i := len(a.record.Messages) - 1; i >= 0; i-- {
		if a.record.Messages[i].ID == req.msg.ID {
			return response{session: a.session, view: a.contextView()}
		}
	}

	msg := req.msg
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.Session = a.id

	prevLen := len(a.record.Messages)
	prevTopics := a.record.Topics
	a.record.Messages = append(a.record.Messages, msg)
	a.record.MessagesSinceSummary++
	a.record.Topics = extendTopics(a.record.Topics, msg.Content)
	a.session.LastActivity = time.Now()

	if err := a.persist(req.ctx, true, true); err != nil {
		// No partial append: restore the in-memory state.
		a.record.Messages = a.record.Messages[:prevLen]
		a.record.MessagesSinceSummary--
		a.record.Topics = prevTopics
		return response{err: protocol.Storage("failed to append message", err)}
	}

	if len(a.record.Messages) > a.tunables.MaxMessages {
		a.trim(req.ctx)
	}
	if a.record.MessagesSinceSummary >= a.tunables.SummaryTrigger {
		a.scheduleSummary()
	}
	return response{session: a.session, view: a.contextView()}
}

// trim absorbs the oldest half into the summary and drops it. The KEEP_RECENT
// tail survives even when summarization fails.
func (a *actor) trim(ctx context.Context) {
	total := len(a.record.Messages)
	drop := total / 2
	if total-drop < a.tunables.KeepRecent {
		drop = total - a.tunables.KeepRecent
	}
	if drop <= 0 {
		return
	}
	oldest := a.record.Messages[:drop]

	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	summary, err := a.summarizer.Summarize(sctx, a.record.Summary, oldest)
	cancel()
	if err != nil {
		slog.Warn("memory.trim_summary_failed", "session", a.id, "error", err)
	} else {
		a.record.Summary = summary
		a.record.LastSummaryAt = time.Now().UnixMilli()
		a.record.MessagesSinceSummary = 0
		if a.metrics != nil {
			a.metrics.SummaryCounter.WithLabelValues("trim").Inc()
		}
	}

	a.record.Messages = append([]Message(nil), a.record.Messages[drop:]...)
	if perr := a.persist(ctx, false, true); perr != nil {
		slog.Error("memory.trim_persist_failed", "session", a.id, "error", perr)
	}
	slog.Info("memory.trimmed", "session", a.id, "dropped", drop, "kept", len(a.record.Messages))
}

// scheduleSummary starts a background summarization unless one is already
// in flight; repeated triggers coalesce into that run.
func (a *actor) scheduleSummary() {
	if a.summaryInFlight {
		return
	}
	a.summaryInFlight = true

	previous := a.record.Summary
	msgs := make([]Message, len(a.record.Messages))
	copy(msgs, a.record.Messages)
	covered := a.record.MessagesSinceSummary

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		summary, err := a.summarizer.Summarize(ctx, previous, msgs)
		if err != nil {
			slog.Warn("memory.summary_failed", "session", a.id, "error", err)
			summary = "" // handleSetSummary clears the in-flight flag regardless
		}
		a.post(&request{op: opSetSummary, ctx: context.Background(),
			summary: summary, summarized: covered})
	}()
}

func (a *actor) handleSetSummary(req *request) {
	a.summaryInFlight = false
	if req.summary == "" {
		return
	}
	a.record.Summary = req.summary
	a.record.LastSummaryAt = time.Now().UnixMilli()
	// Appends racing the background run stay counted toward the next trigger.
	if a.record.MessagesSinceSummary >= req.summarized {
		a.record.MessagesSinceSummary -= req.summarized
	} else {
		a.record.MessagesSinceSummary = 0
	}
	if err := a.persist(req.ctx, false, true); err != nil {
		slog.Error("memory.summary_persist_failed", "session", a.id, "error", err)
		return
	}
	if a.metrics != nil {
		a.metrics.SummaryCounter.WithLabelValues("threshold").Inc()
	}
	slog.Debug("memory.summary_updated", "session", a.id)
}

func (a *actor) handleSummarize(ctx context.Context) response {
	if a.session.ID == "" {
		return response{err: protocol.NotFound(protocol.CodeSessionNotFound, "session not found")}
	}
	summary, err := a.summarizer.Summarize(ctx, a.record.Summary, a.record.Messages)
	if err != nil {
		return response{err: protocol.Upstream("summary generation failed", err)}
	}
	a.record.Summary = summary
	a.record.LastSummaryAt = time.Now().UnixMilli()
	a.record.MessagesSinceSummary = 0
	if perr := a.persist(ctx, false, true); perr != nil {
		return response{err: protocol.Storage("failed to persist summary", perr)}
	}
	if a.metrics != nil {
		a.metrics.SummaryCounter.WithLabelValues("forced").Inc()
	}
	return response{session: a.session, summary: summary}
}

func (a *actor) handleArchive(ctx context.Context) response {
	if a.session.ID == "" {
		return response{err: protocol.NotFound(protocol.CodeSessionNotFound, "session not found")}
	}
	if a.session.Status == StatusArchived {
		return response{session: a.session}
	}

	// Refresh the summary on archival; best-effort.
	if len(a.record.Messages) > 0 && a.record.MessagesSinceSummary > 0 {
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if summary, err := a.summarizer.Summarize(sctx, a.record.Summary, a.record.Messages); err == nil {
			a.record.Summary = summary
			a.record.LastSummaryAt = time.Now().UnixMilli()
		}
		cancel()
	}

	now := time.Now()
	payload, err := json.Marshal(archive{Session: a.session, Record: a.record, ArchivedAt: now})
	if err != nil {
		return response{err: protocol.Internal(err)}
	}
	blobPath := store.ArchiveBlobPath(a.id, now)
	if err := a.blob.Put(ctx, blobPath, payload); err != nil {
		a.countArchive("error")
		return response{err: protocol.Storage("failed to write archive", err)}
	}

	pointer, _ := json.Marshal(archivePointer{
		Session: a.id, BlobPath: blobPath, ArchivedAt: now, Messages: len(a.record.Messages),
	})
	if err := a.kv.Set(ctx, store.ArchivePointerKey(a.id), pointer, 0); err != nil {
		// Half-failed archive: remove the cold blob so no orphan remains.
		if derr := a.blob.Delete(ctx, blobPath); derr != nil {
			slog.Error("memory.archive_compensation_failed",
				"session", a.id, "blob", blobPath, "error", derr)
		}
		a.countArchive("error")
		return response{err: protocol.Storage("failed to write archive pointer", err)}
	}

	// Clear hot state; the session record survives as an archived stub.
	a.session.Status = StatusArchived
	a.session.LastActivity = now
	archivedView := a.contextView()
	if err := a.persist(ctx, true, false); err != nil {
		return response{err: protocol.Storage("failed to update session status", err)}
	}
	if err := a.kv.Delete(ctx, store.MemoryKey(a.id)); err != nil {
		slog.Warn("memory.hot_state_delete_failed", "session", a.id, "error", err)
	}
	a.record = Record{Session: a.id}

	a.countArchive("ok")
	slog.Info("memory.archived", "session", a.id, "blob", blobPath)
	return response{session: a.session, view: archivedView}
}

func (a *actor) handleRestore(ctx context.Context) response {
	raw, err := a.kv.Get(ctx, store.ArchivePointerKey(a.id))
	if errors.Is(err, store.ErrNotFound) {
		return response{err: protocol.NotFound(protocol.CodeSessionNotFound, "no archive for session")}
	}
	if err != nil {
		return response{err: protocol.Storage("failed to read archive pointer", err)}
	}
	var pointer archivePointer
	if err := json.Unmarshal(raw, &pointer); err != nil {
		return response{err: Corrupted(a.id, err)}
	}

	payload, err := a.blob.Get(ctx, pointer.BlobPath)
	if errors.Is(err, store.ErrNotFound) {
		return response{err: Corrupted(a.id, fmt.Errorf("archive blob %s missing", pointer.BlobPath))}
	}
	if err != nil {
		return response{err: protocol.Storage("failed to read archive", err)}
	}
	var arch archive
	if err := json.Unmarshal(payload, &arch); err != nil {
		return response{err: Corrupted(a.id, err)}
	}

	a.session = arch.Session
	a.record = arch.Record
	a.session.Status = StatusActive
	a.session.LastActivity = time.Now()
	if err := a.persist(ctx, true, true); err != nil {
		return response{err: protocol.Storage("failed to reinstall session", err)}
	}
	slog.Info("memory.restored", "session", a.id, "messages", len(a.record.Messages))
	return response{session: a.session, view: a.contextView()}
}

func (a *actor) handleCleanup(ctx context.Context) response {
	if a.session.ID == "" || a.session.Status != StatusActive {
		return response{session: a.session}
	}
	if time.Since(a.session.LastActivity) <= a.tunables.TTL {
		return response{session: a.session}
	}
	slog.Info("memory.ttl_expired", "session", a.id,
		"last_activity", a.session.LastActivity)
	return a.handleArchive(ctx)
}

func (a *actor) handleEnd(ctx context.Context) response {
	if a.session.ID == "" {
		return response{err: protocol.NotFound(protocol.CodeSessionNotFound, "session not found")}
	}
	if a.session.Status == StatusEnded || a.session.Status == StatusArchived {
		return response{session: a.session, summary: a.record.Summary}
	}
	a.session.Status = StatusEnded
	a.session.LastActivity = time.Now()
	if err := a.persist(ctx, true, false); err != nil {
		a.session.Status = StatusActive
		return response{err: protocol.Storage("failed to end session", err)}
	}
	slog.Info("memory.session_ended", "session", a.id,
		"duration", time.Since(a.session.CreatedAt))
	return response{session: a.session, summary: a.record.Summary}
}

// handleHistory pages the full message list chronologically.
func (a *actor) handleHistory(req *request) response {
	if a.session.ID == "" {
		return response{err: protocol.NotFound(protocol.CodeSessionNotFound, "session not found")}
	}
	total := len(a.record.Messages)
	offset := req.offset
	if offset > total {
		offset = total
	}
	end := total
	if req.limit > 0 && offset+req.limit < end {
		end = offset + req.limit
	}
	view := Context{
		Session:        a.id,
		Summary:        a.record.Summary,
		Messages:       append([]Message(nil), a.record.Messages[offset:end]...),
		Topics:         append([]string(nil), a.record.Topics...),
		ResolvedIssues: append([]string(nil), a.record.ResolvedIssues...),
	}
	return response{session: a.session, view: view, total: total}
}

func (a *actor) contextView() Context {
	msgs := a.record.Messages
	if len(msgs) > contextWindow {
		msgs = msgs[len(msgs)-contextWindow:]
	}
	view := Context{
		Session:        a.id,
		Summary:        a.record.Summary,
		Messages:       append([]Message(nil), msgs...),
		Topics:         append([]string(nil), a.record.Topics...),
		ResolvedIssues: append([]string(nil), a.record.ResolvedIssues...),
	}
	return view
}

// persist writes the dirty records to the warm KV.
func (a *actor) persist(ctx context.Context, session, record bool) error {
	if session {
		raw, err := json.Marshal(a.session)
		if err != nil {
			return err
		}
		if err := a.kv.Set(ctx, store.SessionKey(a.id), raw, 0); err != nil {
			return err
		}
	}
	if record {
		raw, err := json.Marshal(a.record)
		if err != nil {
			return err
		}
		if err := a.kv.Set(ctx, store.MemoryKey(a.id), raw, 0); err != nil {
			return err
		}
	}
	return nil
}

func (a *actor) countArchive(status string) {
	if a.metrics != nil {
		a.metrics.ArchivedSessions.WithLabelValues(status).Inc()
	}
}

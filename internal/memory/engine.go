package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/store"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Engine owns the session actors. One actor per session; actors idle past
// the eviction window are stopped (their state is durable, so the next
// operation respawns them).
type Engine struct {
	kv         store.KV
	blob       store.Blob
	summarizer Summarizer
	tunables   Tunables
	metrics    *monitor.Metrics

	idleEvict       time.Duration
	cleanupSchedule string

	mu     sync.Mutex
	actors map[string]*actor
}

// NewEngine builds the engine. idleEvict <= 0 disables eviction.
func NewEngine(kv store.KV, blob store.Blob, summarizer Summarizer, tun Tunables,
	idleEvict time.Duration, cleanupSchedule string, metrics *monitor.Metrics) *Engine {
	return &Engine{
		kv:              kv,
		blob:            blob,
		summarizer:      summarizer,
		tunables:        tun.withDefaults(),
		metrics:         metrics,
		idleEvict:       idleEvict,
		cleanupSchedule: cleanupSchedule,
		actors:          make(map[string]*actor),
	}
}

// resolve returns the live actor for a session, spawning and loading one
// when absent.
func (e *Engine) resolve(ctx context.Context, id string) (*actor, *protocol.Error) {
	e.mu.Lock()
	if a, ok := e.actors[id]; ok {
		e.mu.Unlock()
		return a, nil
	}
	e.mu.Unlock()

	// Load outside the lock; a losing racer discards its actor.
	a := newActor(id, e.kv, e.blob, e.summarizer, e.tunables, e.metrics)
	if err := a.load(ctx); err != nil {
		return nil, protocol.Storage("failed to load session state", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.actors[id]; ok {
		return existing, nil
	}
	e.actors[id] = a
	go a.run()
	if e.metrics != nil {
		e.metrics.ActiveSessions.Set(float64(len(e.actors)))
	}
	return a, nil
}

// call posts a request and waits for the reply or context expiry.
func (e *Engine) call(ctx context.Context, id string, req *request) response {
	a, perr := e.resolve(ctx, id)
	if perr != nil {
		return response{err: perr}
	}
	req.ctx = ctx
	req.reply = make(chan response, 1)
	if !a.post(req) {
		// Actor stopped between resolve and post; retry through a fresh one.
		e.drop(id, a)
		a, perr = e.resolve(ctx, id)
		if perr != nil {
			return response{err: perr}
		}
		if !a.post(req) {
			return response{err: protocol.Internal(nil)}
		}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-ctx.Done():
		return response{err: protocol.Timeout("session operation timed out")}
	}
}

// Init creates the session if absent; idempotent.
func (e *Engine) Init(ctx context.Context, id, userID string, meta map[string]string) (Session, Context, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opInit, user: userID, meta: meta})
	return resp.session, resp.view, resp.err
}

// AddMessage appends under the session's serialization, triggering trim,
// summarization, and archival policies.
func (e *Engine) AddMessage(ctx context.Context, id string, msg Message) (Context, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opAdd, msg: msg})
	return resp.view, resp.err
}

// GetContext returns the derived view: summary, recent messages, topics.
func (e *Engine) GetContext(ctx context.Context, id string) (Context, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opGetContext})
	if resp.err == nil && resp.session.ID == "" {
		return Context{}, protocol.NotFound(protocol.CodeSessionNotFound, "session not found")
	}
	return resp.view, resp.err
}

// Session returns the current session record.
func (e *Engine) Session(ctx context.Context, id string) (Session, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opGetContext})
	if resp.err == nil && resp.session.ID == "" {
		return Session{}, protocol.NotFound(protocol.CodeSessionNotFound, "session not found")
	}
	return resp.session, resp.err
}

// History returns a chronological page of the full message list plus the
// total count held for the session.
func (e *Engine) History(ctx context.Context, id string, limit, offset int) (Context, int, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opHistory, limit: limit, offset: offset})
	return resp.view, resp.total, resp.err
}

// GenerateSummary forces a synchronous summary regeneration.
func (e *Engine) GenerateSummary(ctx context.Context, id string) (string, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opSummarize})
	return resp.summary, resp.err
}

// Archive writes the conversation to the cold store and clears hot state.
func (e *Engine) Archive(ctx context.Context, id string) (Session, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opArchive})
	return resp.session, resp.err
}

// Restore reinstalls an archived session as active.
func (e *Engine) Restore(ctx context.Context, id string) (Session, Context, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opRestore})
	return resp.session, resp.view, resp.err
}

// End marks the session ended and returns its summary.
func (e *Engine) End(ctx context.Context, id string) (Session, string, *protocol.Error) {
	resp := e.call(ctx, id, &request{op: opEnd})
	return resp.session, resp.summary, resp.err
}

// Cleanup archives the session when its TTL has lapsed; otherwise no-op.
func (e *Engine) Cleanup(ctx context.Context, id string) *protocol.Error {
	resp := e.call(ctx, id, &request{op: opCleanup})
	return resp.err
}

// Run drives the idle-eviction ticker and the TTL cleanup schedule until
// ctx is done.
func (e *Engine) Run(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case now := <-ticker.C:
			e.evictIdle(now)
			if due, err := g.IsDue(e.cleanupSchedule, now); err == nil && due {
				e.cleanupExpired(ctx)
			}
		}
	}
}

// evictIdle stops actors idle past the window. State is durable; the next
// operation respawns the actor from the KV.
func (e *Engine) evictIdle(now time.Time) {
	if e.idleEvict <= 0 {
		return
	}
	e.mu.Lock()
	var victims []*actor
	for id, a := range e.actors {
		if now.Sub(a.lastTouched) > e.idleEvict {
			victims = append(victims, a)
			delete(e.actors, id)
		}
	}
	if e.metrics != nil {
		e.metrics.ActiveSessions.Set(float64(len(e.actors)))
	}
	e.mu.Unlock()

	for _, a := range victims {
		a.post(&request{op: opStop, ctx: context.Background()})
		slog.Debug("memory.actor_evicted", "session", a.id)
	}
}

// cleanupExpired walks every persisted session and runs the TTL check.
func (e *Engine) cleanupExpired(ctx context.Context) {
	keys, err := e.kv.List(ctx, "session:")
	if err != nil {
		slog.Error("memory.cleanup_list_failed", "error", err)
		return
	}
	for _, key := range keys {
		id := strings.TrimPrefix(key, "session:")
		cctx, cancel := context.WithTimeout(ctx, time.Minute)
		if perr := e.Cleanup(cctx, id); perr != nil {
			slog.Warn("memory.cleanup_failed", "session", id, "error", perr)
		}
		cancel()
	}
}

func (e *Engine) drop(id string, a *actor) {
	e.mu.Lock()
	if e.actors[id] == a {
		delete(e.actors, id)
	}
	e.mu.Unlock()
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.actors = make(map[string]*actor)
	e.mu.Unlock()

	for _, a := range actors {
		a.post(&request{op: opStop, ctx: context.Background()})
	}
}

// Probe is the health check hook: a KV round-trip through a live read.
func (e *Engine) Probe(ctx context.Context) error {
	_, err := e.kv.List(ctx, "session:probe")
	return err
}

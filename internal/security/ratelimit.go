package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

// LimitKind names one rate-limited resource.
type LimitKind string

const (
	LimitRequests LimitKind = "requests"
	LimitTokens   LimitKind = "tokens"
	LimitWSMsg    LimitKind = "websocket-msg"
	LimitVoice    LimitKind = "voice-input"
)

// casAttempts bounds the optimistic-concurrency retry loop per check.
const casAttempts = 5

// Limit is one sliding-window budget.
type Limit struct {
	Max    int           // admitted units per window
	Burst  int           // allowance above Max before rejection
	Window time.Duration // sliding window length
}

// Decision is the outcome of a rate-limit check, also surfaced as the
// X-RateLimit-* response headers.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetAt      time.Time
	RetryAfterMS int64
	Kind         LimitKind
}

// window is the persisted counter record. Timestamps of admitted hits are
// kept so the window slides rather than resetting at a fixed edge.
type window struct {
	Hits []int64 `json:"hits"` // unix milliseconds, ascending
}

// RateLimiter keeps per-(session, kind) sliding windows in the warm KV so
// limits hold across gateway restarts and multiple instances. KV failures
// fail open: the request is admitted and a high-severity event logged.
type RateLimiter struct {
	kv     store.KV
	limits map[LimitKind]Limit
}

// NewRateLimiter builds a limiter over the warm KV with the given budgets.
func NewRateLimiter(kv store.KV, limits map[LimitKind]Limit) *RateLimiter {
	return &RateLimiter{kv: kv, limits: limits}
}

// DefaultLimits maps the configured per-session budgets to limit kinds.
func DefaultLimits(requestsPerMin, tokensPerHour, wsPerMin, voicePerMin, burst int) map[LimitKind]Limit {
	return map[LimitKind]Limit{
		LimitRequests: {Max: requestsPerMin, Burst: burst, Window: time.Minute},
		LimitTokens:   {Max: tokensPerHour, Burst: burst, Window: time.Hour},
		LimitWSMsg:    {Max: wsPerMin, Burst: burst, Window: time.Minute},
		LimitVoice:    {Max: voicePerMin, Burst: burst, Window: time.Minute},
	}
}

// Allow records one hit against (session, kind) and reports the decision.
func (r *RateLimiter) Allow(ctx context.Context, session string, kind LimitKind) Decision {
	return r.AllowN(ctx, session, kind, 1)
}

// AllowN records n units (token accounting) against (session, kind).
//
// The window record is updated under compare-and-swap; concurrent checks on
// the same key retry a bounded number of times and then fail open.
func (r *RateLimiter) AllowN(ctx context.Context, session string, kind LimitKind, n int) Decision {
	limit, ok := r.limits[kind]
	if !ok || limit.Max <= 0 {
		return Decision{Allowed: true, Kind: kind, Limit: limit.Max}
	}

	key := store.RateLimitKey(session, string(kind))
	now := time.Now()
	cutoff := now.Add(-limit.Window).UnixMilli()
	capacity := limit.Max + limit.Burst

	for attempt := 0; attempt < casAttempts; attempt++ {
		prev, err := r.kv.Get(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return r.failOpen(session, kind, limit, err)
		}

		var win window
		if prev != nil {
			if uerr := json.Unmarshal(prev, &win); uerr != nil {
				// Corrupt record: start a fresh window rather than locking
				// the session out.
				win = window{}
				prev = nil
			}
		}

		// Slide: drop hits older than the window.
		kept := win.Hits[:0]
		for _, h := range win.Hits {
			if h > cutoff {
				kept = append(kept, h)
			}
		}
		win.Hits = kept

		if len(win.Hits)+n > capacity {
			return r.reject(win, limit, kind, now)
		}

		for i := 0; i < n; i++ {
			win.Hits = append(win.Hits, now.UnixMilli())
		}
		next, err := json.Marshal(win)
		if err != nil {
			return r.failOpen(session, kind, limit, err)
		}

		swapped, err := r.kv.CompareAndSwap(ctx, key, prev, next, limit.Window*2)
		if err != nil {
			return r.failOpen(session, kind, limit, err)
		}
		if swapped {
			remaining := capacity - len(win.Hits)
			return Decision{
				Allowed:   true,
				Kind:      kind,
				Limit:     limit.Max,
				Remaining: remaining,
				ResetAt:   time.UnixMilli(win.Hits[0]).Add(limit.Window),
			}
		}
		// Lost the race; reload and retry.
	}

	return r.failOpen(session, kind, limit,
		fmt.Errorf("cas contention after %d attempts", casAttempts))
}

func (r *RateLimiter) reject(win window, limit Limit, kind LimitKind, now time.Time) Decision {
	// The oldest hit leaving the window frees the next slot.
	retryAfter := int64(0)
	resetAt := now.Add(limit.Window)
	if len(win.Hits) > 0 {
		resetAt = time.UnixMilli(win.Hits[0]).Add(limit.Window)
		retryAfter = resetAt.Sub(now).Milliseconds()
		if retryAfter < 1 {
			retryAfter = 1
		}
	}
	return Decision{
		Allowed:      false,
		Kind:         kind,
		Limit:        limit.Max,
		Remaining:    0,
		ResetAt:      resetAt,
		RetryAfterMS: retryAfter,
	}
}

func (r *RateLimiter) failOpen(session string, kind LimitKind, limit Limit, err error) Decision {
	slog.Error("security.ratelimit_store_error",
		"session", session, "kind", string(kind), "error", err)
	return Decision{Allowed: true, Kind: kind, Limit: limit.Max, Remaining: limit.Max}
}

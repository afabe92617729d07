// Package ratelimit implements the per-command sliding-window limiter that
// gates every dispatch. Counters are keyed by (command, entity, user) and
// bucketed into fixed-length windows: the first call in a window creates
// the counter, later calls increment it, and a call that would exceed the
// configured limit is rejected without touching the counter, so a rejected
// burst cannot extend its own penalty.
//
// The counter store is an interface so deployments can back it with a
// shared external store; the in-memory implementation in this package is
// the default and is safe for concurrent use.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// rejects counts dispatch attempts rejected by the sliding-window limiter.
var rejects = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_rate_limit_rejects_total",
		Help: "Dispatch attempts rejected by the sliding-window rate limiter.",
	},
	[]string{"command_id"},
)

func init() {
	prometheus.MustRegister(rejects)
}

// WindowStore is the shared counter store behind the limiter.
//
// Allow atomically applies the window rules for key: create the window when
// absent or elapsed, increment while under limit, reject at limit without a
// second increment.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (bool, error)
	// Sweep drops windows that elapsed before now and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// window is one in-memory counter bucket.
type window struct {
	start time.Time
	count int
}

// MemoryStore is the process-local WindowStore. Windows are created lazily
// on first use and removed by Sweep once elapsed.
type MemoryStore struct {
	length time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore constructs a MemoryStore with the given window length.
// Non-positive lengths default to one minute.
func NewMemoryStore(length time.Duration) *MemoryStore {
	if length <= 0 {
		length = time.Minute
	}
	return &MemoryStore{
		length:  length,
		windows: make(map[string]*window),
	}
}

// Allow implements WindowStore.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= s.length {
		s.windows[key] = &window{start: now, count: 1}
		return true, nil
	}
	if w.count >= limit {
		// Rejected calls never increment, so the window is not extended
		// and the existing count stands.
		return false, nil
	}
	w.count++
	return true, nil
}

// Sweep implements WindowStore.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, w := range s.windows {
		if now.Sub(w.start) >= s.length {
			delete(s.windows, k)
			n++
		}
	}
	return n, nil
}

// Limiter applies per-command sliding-window limits on top of a WindowStore.
type Limiter struct {
	store        WindowStore
	defaultLimit int
	sweepEvery   time.Duration
}

// New constructs a Limiter. defaultLimit applies to commands whose RateLimit
// is 0; sweepEvery drives the Run loop.
func New(store WindowStore, defaultLimit int, sweepEvery time.Duration) *Limiter {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &Limiter{store: store, defaultLimit: defaultLimit, sweepEvery: sweepEvery}
}

// Key builds the counter identity for one (command, entity, user) triple.
func Key(commandID, entityKey, userID string) string {
	return commandID + "|" + entityKey + "|" + userID
}

// Allow reports whether a dispatch of cmd for (entityKey, userID) fits the
// command's window. Commands flagged NoLimit bypass the store entirely; a
// RateLimit of 0 falls back to the configured default.
func (l *Limiter) Allow(ctx context.Context, cmd *domain.Command, entityKey, userID string) (bool, error) {
	if cmd.NoLimit {
		return true, nil
	}
	limit := cmd.RateLimit
	if limit <= 0 {
		limit = l.defaultLimit
	}
	ok, err := l.store.Allow(ctx, Key(cmd.ID, entityKey, userID), limit, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		rejects.WithLabelValues(cmd.ID).Inc()
	}
	return ok, nil
}

// Run sweeps elapsed windows until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	t := time.NewTicker(l.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			_, _ = l.store.Sweep(ctx, now.UTC())
		}
	}
}

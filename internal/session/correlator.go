// Package session correlates asynchronous handler responses back to the
// dispatches they answer. Every inbound event gets a session id at ingest
// time; handlers echo it when replying out of band, and the correlator
// validates the (session, execution, entity) triple before any Execution
// is touched. Mappings expire on a bounded TTL so abandoned sessions do
// not accumulate.
//
// Correlation is message passing through a keyed store rather than
// callback closures, so it survives container restarts on the collector
// side: a response for a still-valid session is accepted no matter which
// collector connection delivers it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// ErrInvalidSession is returned for unknown, expired, or mismatched session
// ids. Callers must not mutate any Execution when they see it.
var ErrInvalidSession = errors.New("invalid or expired session")

type record struct {
	entityKey  string
	executions map[string]struct{}
	expiresAt  time.Time

	mu      sync.Mutex
	waiters []chan domain.ModuleResponse
}

// Correlator issues session ids and validates handler responses against
// them. Safe for concurrent use.
type Correlator struct {
	ttl     time.Duration
	gcEvery time.Duration

	mu       sync.Mutex
	sessions map[string]*record
}

// New constructs a Correlator. Non-positive TTLs default to five minutes.
func New(ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Correlator{
		ttl:      ttl,
		gcEvery:  ttl / 2,
		sessions: make(map[string]*record),
	}
}

// Open issues a session id bound to the event's entity. Execution ids are
// attached as dispatches are created via AddExecution.
func (c *Correlator) Open(entityKey string) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = &record{
		entityKey:  entityKey,
		executions: make(map[string]struct{}),
		expiresAt:  time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
	return id
}

// AddExecution associates an execution with its session. Unknown sessions
// are ignored: the dispatch already happened and its record stands alone.
func (c *Correlator) AddExecution(sessionID, executionID string) {
	c.mu.Lock()
	if r, ok := c.sessions[sessionID]; ok {
		r.executions[executionID] = struct{}{}
	}
	c.mu.Unlock()
}

// Validate checks that sessionID is known, unexpired, tied to executionID,
// and belongs to entityKey (when non-empty). Returns ErrInvalidSession
// otherwise.
func (c *Correlator) Validate(sessionID, executionID, entityKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sessions[sessionID]
	if ok && time.Now().After(r.expiresAt) {
		delete(c.sessions, sessionID)
		ok = false
	}
	if !ok {
		return ErrInvalidSession
	}
	// The executions map is guarded by c.mu; AddExecution mutates it
	// concurrently with validation while a fan-out is in flight.
	if _, bound := r.executions[executionID]; !bound {
		return ErrInvalidSession
	}
	if entityKey != "" && r.entityKey != entityKey {
		return ErrInvalidSession
	}
	return nil
}

// EntityKey returns the entity a session was opened for.
func (c *Correlator) EntityKey(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sessions[sessionID]
	if !ok || time.Now().After(r.expiresAt) {
		return "", false
	}
	return r.entityKey, true
}

// Await returns a channel that receives responses accepted for sessionID.
// The channel is buffered; it reports ok=false for unknown sessions.
func (c *Correlator) Await(sessionID string) (<-chan domain.ModuleResponse, bool) {
	c.mu.Lock()
	r, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	ch := make(chan domain.ModuleResponse, 4)
	r.mu.Lock()
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()
	return ch, true
}

// Publish fans an accepted response out to any awaiting caller. Callers
// must Validate first; Publish does not re-check.
func (c *Correlator) Publish(sessionID string, resp domain.ModuleResponse) {
	c.mu.Lock()
	r, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	for _, ch := range r.waiters {
		select {
		case ch <- resp:
		default: // slow waiter: drop rather than block the ingest path
		}
	}
	r.mu.Unlock()
}

// Len returns the number of live sessions (expired ones may be counted
// until the next sweep).
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// sweep drops expired sessions.
func (c *Correlator) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, r := range c.sessions {
		if now.After(r.expiresAt) {
			delete(c.sessions, id)
			n++
		}
	}
	return n
}

// Run garbage-collects expired sessions until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	t := time.NewTicker(c.gcEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

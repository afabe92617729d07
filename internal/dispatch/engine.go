// Execution engine core. One Dispatch call covers the full lifecycle of a
// single matched command: permission gate, sliding-window rate gate,
// backend invocation with bounded retries, and the append-only Execution
// audit record. DispatchAll fans a matched set out according to each
// command's execution mode.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/cache"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

var (
	// dispatches counts dispatch outcomes by backend kind and terminal status.
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_dispatch_total",
			Help: "Total command dispatches by backend and terminal status.",
		},
		[]string{"backend", "status"},
	)

	// dispatchLat records end-to-end dispatch duration including retries.
	dispatchLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_dispatch_duration_seconds",
			Help:    "Dispatch duration in seconds, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(dispatches, dispatchLat)
}

// ErrNoBackend is returned when a command names a backend kind the engine
// has no implementation for.
var ErrNoBackend = errors.New("no backend for command type")

// RateGate is the limiter contract consumed by the engine.
type RateGate interface {
	Allow(ctx context.Context, cmd *domain.Command, entityKey, userID string) (bool, error)
}

// Store is the persistence contract consumed by the engine.
type Store interface {
	GetPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) (*domain.CommandPermission, error)
	TouchPermissionUsage(ctx context.Context, db *gorm.DB, commandID, entityKey string, now time.Time) error
	CreateExecution(ctx context.Context, db *gorm.DB, e *domain.Execution) (*domain.Execution, error)
	FinalizeExecution(ctx context.Context, db *gorm.DB, id, status, response, errMsg string, retries int, finished time.Time) error
}

// Outcome is the result of one dispatch, terminal by construction.
type Outcome struct {
	ExecutionID string `json:"execution_id"`
	CommandID   string `json:"command_id"`
	Status      string `json:"status"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
	Retries     int    `json:"retries"`
}

// Engine dispatches matched commands to their backends.
//
// Parallel fan-out is bounded by an internal semaphore sized independently
// of the event-ingestion pool, so one bursty event cannot starve ingestion.
type Engine struct {
	DB    *gorm.DB
	Store Store
	Gate  RateGate

	// Backends maps Command.Type to its implementation.
	Backends map[string]Backend

	// Perms caches permission rows between the store and the hot path.
	Perms *cache.Cache[*domain.CommandPermission]

	// OnExecution, when set, runs as soon as an Execution record exists,
	// before the backend sees its id. Backends may reply out of band the
	// moment they receive the payload, so the session binding has to be in
	// place by then. Optional.
	OnExecution func(sessionID, executionID string)

	MaxRetries     int
	InitialBackoff time.Duration
	DefaultTimeout time.Duration

	sem chan struct{}
}

// New constructs an Engine with a fan-out pool of the given size.
func New(db *gorm.DB, store Store, gate RateGate, backends map[string]Backend, perms *cache.Cache[*domain.CommandPermission], fanout int) *Engine {
	if fanout < 1 {
		fanout = 4
	}
	return &Engine{
		DB:             db,
		Store:          store,
		Gate:           gate,
		Backends:       backends,
		Perms:          perms,
		MaxRetries:     2,
		InitialBackoff: 250 * time.Millisecond,
		DefaultTimeout: 10 * time.Second,
		sem:            make(chan struct{}, fanout),
	}
}

// DispatchAll runs every matched command for one event. Commands in
// sequential mode run strictly in slice order (the matcher pre-sorts by
// priority), each waiting for the previous terminal status; parallel-mode
// commands fan out on the bounded pool. Outcomes cover all commands.
func (e *Engine) DispatchAll(ctx context.Context, sessionID string, cmds []domain.Command, entityKey, userID string, ev domain.Event) []Outcome {
	var seq, par []domain.Command
	for _, c := range cmds {
		if c.ExecutionMode == domain.ModeParallel {
			par = append(par, c)
		} else {
			seq = append(seq, c)
		}
	}

	outcomes := make([]Outcome, 0, len(cmds))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range par {
		cmd := par[i]
		wg.Add(1)
		e.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-e.sem }()
			out := e.Dispatch(ctx, sessionID, &cmd, entityKey, userID, ev)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}()
	}

	for i := range seq {
		out := e.Dispatch(ctx, sessionID, &seq[i], entityKey, userID, ev)
		mu.Lock()
		outcomes = append(outcomes, out)
		mu.Unlock()
	}

	wg.Wait()
	return outcomes
}

// Dispatch runs one command end to end and returns its terminal outcome.
// Every attempt is recorded: gate rejections produce a terminal Execution
// without any backend call.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, cmd *domain.Command, entityKey, userID string, ev domain.Event) Outcome {
	start := time.Now().UTC()

	perm, err := e.permission(ctx, cmd.ID, entityKey)
	if err != nil {
		return e.record(ctx, sessionID, cmd, entityKey, userID, domain.StatusFailed, err.Error(), start)
	}
	if perm == nil || !perm.Enabled {
		return e.record(ctx, sessionID, cmd, entityKey, userID, domain.StatusPermissionDenied, "command not enabled for entity", start)
	}

	allowed, err := e.Gate.Allow(ctx, cmd, entityKey, userID)
	if err != nil {
		return e.record(ctx, sessionID, cmd, entityKey, userID, domain.StatusFailed, err.Error(), start)
	}
	if !allowed {
		return e.record(ctx, sessionID, cmd, entityKey, userID, domain.StatusRateLimited, "rate limit exceeded", start)
	}

	backend, ok := e.Backends[cmd.Type]
	if !ok {
		return e.record(ctx, sessionID, cmd, entityKey, userID, domain.StatusFailed, ErrNoBackend.Error(), start)
	}

	req := Request{
		SessionID:   sessionID,
		Command:     cmd.Name,
		Invocation:  cmd.Invocation,
		EntityKey:   entityKey,
		UserID:      userID,
		MessageType: ev.MessageType,
		Text:        ev.Text,
		Metadata:    ev.Metadata,
		Config:      perm.ConfigOverride,
	}

	exec, err := e.Store.CreateExecution(ctx, e.DB, &domain.Execution{
		SessionID: sessionID,
		CommandID: cmd.ID,
		EntityKey: entityKey,
		UserID:    userID,
		StartedAt: start,
	})
	if err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("execution record create failed")
		return Outcome{CommandID: cmd.ID, Status: domain.StatusFailed, Error: err.Error()}
	}
	if e.OnExecution != nil {
		e.OnExecution(sessionID, exec.ID)
	}
	req.ExecutionID = exec.ID
	body, _ := json.Marshal(req)

	// Usage counters move at dispatch time, not completion.
	if err := e.Store.TouchPermissionUsage(ctx, e.DB, cmd.ID, entityKey, start); err != nil {
		log.Warn().Err(err).Str("command_id", cmd.ID).Msg("permission usage update failed")
	}

	status, response, errMsg, retries := e.invoke(ctx, backend, cmd, req, body)
	finished := time.Now().UTC()
	if err := e.Store.FinalizeExecution(ctx, e.DB, exec.ID, status, response, errMsg, retries, finished); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("execution finalize failed")
	}

	dispatches.WithLabelValues(cmd.Type, status).Inc()
	dispatchLat.WithLabelValues(cmd.Type).Observe(finished.Sub(start).Seconds())

	if status != domain.StatusSuccess {
		log.Warn().
			Str("execution_id", exec.ID).
			Str("command", cmd.Prefix+cmd.Name).
			Str("entity", entityKey).
			Str("status", status).
			Int("retries", retries).
			Str("error", errMsg).
			Msg("dispatch did not succeed")
	}

	return Outcome{
		ExecutionID: exec.ID,
		CommandID:   cmd.ID,
		Status:      status,
		Response:    response,
		Error:       errMsg,
		Retries:     retries,
	}
}

// invoke calls the backend with per-attempt timeouts and bounded retries.
// Only transient errors retry; webhook timeouts are terminal because the
// remote side may have applied the call.
func (e *Engine) invoke(ctx context.Context, backend Backend, cmd *domain.Command, req Request, body []byte) (status, response, errMsg string, retries int) {
	timeout := e.DefaultTimeout
	if cmd.TimeoutSeconds > 0 {
		timeout = time.Duration(cmd.TimeoutSeconds) * time.Second
	}

	backoff := e.InitialBackoff
	var lastErr error
	timedOut := false

	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			retries++
			select {
			case <-ctx.Done():
				return domain.StatusFailed, "", ctx.Err().Error(), retries
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := backend.Invoke(attemptCtx, cmd.HTTPMethod, req, body)
		deadlined := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return domain.StatusSuccess, resp, "", retries
		}
		lastErr = err
		timedOut = deadlined || errors.Is(err, context.DeadlineExceeded)

		if !Retryable(err) {
			return domain.StatusFailed, "", err.Error(), retries
		}
		if timedOut && cmd.Type == domain.BackendWebhook {
			// Webhook side effects are not safely repeatable on timeout.
			return domain.StatusTimedOut, "", err.Error(), retries
		}
	}

	if timedOut {
		return domain.StatusTimedOut, "", lastErr.Error(), retries
	}
	return domain.StatusFailed, "", lastErr.Error(), retries
}

// permission resolves the install record through the permission cache.
func (e *Engine) permission(ctx context.Context, commandID, entityKey string) (*domain.CommandPermission, error) {
	key := "perm|" + commandID + "|" + entityKey
	return e.Perms.GetOrFill(ctx, key, func(ctx context.Context) (*domain.CommandPermission, error) {
		p, err := e.Store.GetPermission(ctx, e.DB, commandID, entityKey)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil // cache the miss: uninstalled commands stay denied
		}
		return p, err
	})
}

// record writes a terminal Execution for a gate rejection or internal error
// and returns the matching outcome.
func (e *Engine) record(ctx context.Context, sessionID string, cmd *domain.Command, entityKey, userID, status, errMsg string, start time.Time) Outcome {
	now := time.Now().UTC()
	exec, err := e.Store.CreateExecution(ctx, e.DB, &domain.Execution{
		SessionID:  sessionID,
		CommandID:  cmd.ID,
		EntityKey:  entityKey,
		UserID:     userID,
		Status:     status,
		Error:      errMsg,
		StartedAt:  start,
		FinishedAt: &now,
		DurationMS: now.Sub(start).Milliseconds(),
	})
	if err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("execution record create failed")
		return Outcome{CommandID: cmd.ID, Status: status, Error: errMsg}
	}
	if e.OnExecution != nil {
		e.OnExecution(sessionID, exec.ID)
	}
	dispatches.WithLabelValues(cmd.Type, status).Inc()
	return Outcome{
		ExecutionID: exec.ID,
		CommandID:   cmd.ID,
		Status:      status,
		Error:       errMsg,
	}
}

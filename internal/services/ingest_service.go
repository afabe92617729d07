// Package services – IngestService
//
// This file implements the ingestion pipeline: validate the normalized
// envelope, deduplicate collector redelivery, open a session, run the
// matching pipeline, dispatch the matched handlers, and surface rule
// actions back to the collector. Batch ingestion processes envelopes
// independently on a bounded worker pool so one failure never cancels
// siblings.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/dispatch"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/match"
	"github.com/relaymesh/go-event-router/internal/repo"
	"github.com/relaymesh/go-event-router/internal/session"
)

// IngestRepo is the persistence contract required by IngestService.
type IngestRepo interface {
	UpsertEntity(ctx context.Context, db *gorm.DB, platform, serverID, channelID string) (*domain.Entity, error)
	EnsureClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error)
	TouchRuleMatch(ctx context.Context, db *gorm.DB, id string, now time.Time) error
	GetReceipt(ctx context.Context, db *gorm.DB, collectorID, eventKey string, now time.Time) (*domain.IngestReceipt, error)
	CreateReceipt(ctx context.Context, db *gorm.DB, collectorID, eventKey, sessionID string, ttl time.Duration) (*domain.IngestReceipt, error)
	GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.Execution, error)
	FinalizeExecution(ctx context.Context, db *gorm.DB, id, status, response, errMsg string, retries int, finished time.Time) error
	AttachExecutionResponse(ctx context.Context, db *gorm.DB, id, response string) error
	CreateModuleResponse(ctx context.Context, db *gorm.DB, r *domain.ModuleResponse) (*domain.ModuleResponse, error)
	ListExecutionsBySession(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Execution, error)
	ListResponsesByExecution(ctx context.Context, db *gorm.DB, executionID string) ([]domain.ModuleResponse, error)
	PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

// RuleAction is one fired rule surfaced to the collector, so it can warn
// the venue or explain a blocked message.
type RuleAction struct {
	RuleID  string `json:"rule_id"`
	Action  string `json:"action"`
	Pattern string `json:"pattern"`
}

// IngestResult is the synchronous answer to one ingested event.
type IngestResult struct {
	SessionID   string             `json:"session_id"`
	Deduped     bool               `json:"deduped,omitempty"`
	Blocked     bool               `json:"blocked,omitempty"`
	Outcomes    []dispatch.Outcome `json:"outcomes"`
	RuleActions []RuleAction       `json:"rule_actions,omitempty"`
}

// IngestService routes inbound events through matching and dispatch.
type IngestService struct {
	DB       *gorm.DB
	Repo     IngestRepo
	Matcher  *match.Matcher
	Engine   *dispatch.Engine
	Sessions *session.Correlator

	// Webhooks serves rule call-webhook actions, which fire outside the
	// permission/limit gates commands go through.
	Webhooks dispatch.Backend

	MaxBatch   int
	ReceiptTTL time.Duration

	// workers bounds batch fan-out, separate from the dispatch pool.
	workers chan struct{}
}

// NewIngestService constructs an IngestService with a batch worker pool of
// the given size.
func NewIngestService(db *gorm.DB, r IngestRepo, m *match.Matcher, e *dispatch.Engine, s *session.Correlator, webhooks dispatch.Backend, maxBatch, workers int) *IngestService {
	if maxBatch < 1 {
		maxBatch = 100
	}
	if workers < 1 {
		workers = 8
	}
	// Bind execution ids to their session the moment the engine records
	// them, so a backend that replies before the fan-out completes still
	// passes response validation.
	e.OnExecution = s.AddExecution
	return &IngestService{
		DB:         db,
		Repo:       r,
		Matcher:    m,
		Engine:     e,
		Sessions:   s,
		Webhooks:   webhooks,
		MaxBatch:   maxBatch,
		ReceiptTTL: time.Hour,
		workers:    make(chan struct{}, workers),
	}
}

// Ingest routes one event. eventKey optionally deduplicates collector
// redelivery: a repeated (collectorID, eventKey) within the receipt TTL
// returns the original session id without re-dispatching.
func (s *IngestService) Ingest(ctx context.Context, collectorID, eventKey string, ev domain.Event) (*IngestResult, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}

	if eventKey != "" {
		rec, err := s.Repo.GetReceipt(ctx, s.DB, collectorID, eventKey, time.Now().UTC())
		if err == nil && rec != nil {
			return &IngestResult{SessionID: rec.SessionID, Deduped: true}, nil
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	entityKey := ev.EntityKey()
	if _, err := s.Repo.UpsertEntity(ctx, s.DB, ev.Platform, ev.ServerID, ev.ChannelID); err != nil {
		return nil, err
	}
	// First sight of a venue also seeds its coordination claim row.
	if _, err := s.Repo.EnsureClaim(ctx, s.DB, entityKey); err != nil {
		log.Warn().Err(err).Str("entity", entityKey).Msg("claim seed failed")
	}

	sessionID := s.Sessions.Open(entityKey)
	res := &IngestResult{SessionID: sessionID, Outcomes: []dispatch.Outcome{}}

	matched, err := s.Matcher.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, hit := range matched.RuleHits {
		if err := s.Repo.TouchRuleMatch(ctx, s.DB, hit.ID, now); err != nil {
			log.Warn().Err(err).Str("rule_id", hit.ID).Msg("rule telemetry update failed")
		}
		if hit.Action == domain.ActionWarn || hit.Action == domain.ActionBlock {
			res.RuleActions = append(res.RuleActions, RuleAction{RuleID: hit.ID, Action: hit.Action, Pattern: hit.Pattern})
		}
	}

	if matched.Blocked {
		res.Blocked = true
		s.receipt(ctx, collectorID, eventKey, sessionID)
		return res, nil
	}

	// Execution ids bind to the session inside the engine, before each
	// backend sees its payload; by the time the fan-out returns here every
	// outcome is already answerable via /responses.
	res.Outcomes = s.Engine.DispatchAll(ctx, sessionID, matched.Commands, entityKey, ev.UserID, ev)

	s.fireRuleWebhooks(ctx, sessionID, entityKey, ev, matched.RuleHits)
	s.receipt(ctx, collectorID, eventKey, sessionID)
	return res, nil
}

// BatchItem is the per-event result (or error) of batch ingestion.
type BatchItem struct {
	Index  int           `json:"index"`
	Result *IngestResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// IngestBatch processes up to MaxBatch envelopes independently; ordering of
// the returned items matches the input.
func (s *IngestService) IngestBatch(ctx context.Context, collectorID string, events []domain.Event) ([]BatchItem, error) {
	if len(events) > s.MaxBatch {
		return nil, ErrBatchTooLarge
	}

	items := make([]BatchItem, len(events))
	done := make(chan int, len(events))
	for i := range events {
		i := i
		s.workers <- struct{}{}
		go func() {
			defer func() { <-s.workers; done <- i }()
			// Batch events carry no redelivery key; collectors that need
			// dedupe use single ingestion.
			r, err := s.Ingest(ctx, collectorID, "", events[i])
			items[i] = BatchItem{Index: i, Result: r}
			if err != nil {
				items[i].Error = err.Error()
			}
		}()
	}
	for range events {
		<-done
	}
	return items, nil
}

// SubmitResponse accepts an out-of-band handler reply. The session is
// validated before anything is written; invalid sessions mutate nothing.
func (s *IngestService) SubmitResponse(ctx context.Context, sessionID, executionID string, success bool, action, payload, errMsg string, processedMS int64) (*domain.ModuleResponse, error) {
	if err := s.Sessions.Validate(sessionID, executionID, ""); err != nil {
		return nil, err
	}

	resp, err := s.Repo.CreateModuleResponse(ctx, s.DB, &domain.ModuleResponse{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Success:     success,
		Action:      normalizeAction(action),
		Payload:     payload,
		Error:       errMsg,
		ProcessedMS: processedMS,
	})
	if err != nil {
		return nil, err
	}

	// Finalize the execution if it is still pending; otherwise just attach
	// the late payload to the terminal record.
	status := domain.StatusSuccess
	if !success {
		status = domain.StatusFailed
	}
	err = s.Repo.FinalizeExecution(ctx, s.DB, executionID, status, payload, errMsg, 0, time.Now().UTC())
	if errors.Is(err, repo.ErrTerminal) {
		err = s.Repo.AttachExecutionResponse(ctx, s.DB, executionID, payload)
	}
	if err != nil {
		return nil, err
	}

	s.Sessions.Publish(sessionID, *resp)
	return resp, nil
}

// ExecutionHistory pairs an execution with the handler responses recorded
// against it.
type ExecutionHistory struct {
	Execution domain.Execution        `json:"execution"`
	Responses []domain.ModuleResponse `json:"responses"`
}

// SessionHistory returns the executions dispatched for a session, newest
// first, with any out-of-band responses attached. Sessions are in-memory and
// expire, so an unknown id simply yields an empty history.
func (s *IngestService) SessionHistory(ctx context.Context, sessionID string) ([]ExecutionHistory, error) {
	execs, err := s.Repo.ListExecutionsBySession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionHistory, 0, len(execs))
	for _, ex := range execs {
		resps, err := s.Repo.ListResponsesByExecution(ctx, s.DB, ex.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ExecutionHistory{Execution: ex, Responses: resps})
	}
	return out, nil
}

// PurgeReceipts drops expired redelivery receipts; main runs it on a timer.
func (s *IngestService) PurgeReceipts(ctx context.Context) (int64, error) {
	return s.Repo.PurgeExpiredReceipts(ctx, s.DB, time.Now().UTC())
}

// fireRuleWebhooks posts rule call-webhook actions. Failures are logged,
// not surfaced: rule webhooks are advisory side channels.
func (s *IngestService) fireRuleWebhooks(ctx context.Context, sessionID, entityKey string, ev domain.Event, hits []domain.StringMatchRule) {
	if s.Webhooks == nil {
		return
	}
	for _, h := range hits {
		if h.Action != domain.ActionWebhook || h.ActionArg == "" {
			continue
		}
		req := dispatch.Request{
			SessionID:   sessionID,
			Invocation:  h.ActionArg,
			EntityKey:   entityKey,
			UserID:      ev.UserID,
			MessageType: ev.MessageType,
			Text:        ev.Text,
			Metadata:    ev.Metadata,
		}
		body, _ := json.Marshal(req)
		if _, err := s.Webhooks.Invoke(ctx, "POST", req, body); err != nil {
			log.Warn().Err(err).Str("rule_id", h.ID).Msg("rule webhook call failed")
		}
	}
}

// receipt records a redelivery receipt when the collector supplied a key.
func (s *IngestService) receipt(ctx context.Context, collectorID, eventKey, sessionID string) {
	if eventKey == "" {
		return
	}
	if _, err := s.Repo.CreateReceipt(ctx, s.DB, collectorID, eventKey, sessionID, s.ReceiptTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Warn().Err(err).Str("event_key", eventKey).Msg("ingest receipt create failed")
	}
}

// validateEvent checks required envelope fields.
func validateEvent(ev domain.Event) error {
	switch {
	case strings.TrimSpace(ev.Platform) == "",
		strings.TrimSpace(ev.ServerID) == "",
		strings.TrimSpace(ev.ChannelID) == "",
		strings.TrimSpace(ev.UserID) == "",
		strings.TrimSpace(ev.MessageType) == "":
		return ErrInvalidEvent
	}
	return nil
}

// normalizeAction maps unknown response actions to "none".
func normalizeAction(a string) string {
	switch a {
	case domain.RespActionChat, domain.RespActionMedia, domain.RespActionTicker, domain.RespActionForm, domain.RespActionNone:
		return a
	default:
		return domain.RespActionNone
	}
}

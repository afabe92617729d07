// Event ingestion HTTP handlers.
//
// This file exposes the collector-facing ingestion endpoints:
//   - POST /events                      (route one normalized event)
//   - POST /events/batch                (route up to the configured batch size)
//   - GET  /sessions/{id}/executions    (execution history for a session)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/http/middleware"
	"github.com/relaymesh/go-event-router/internal/services"
	"github.com/relaymesh/go-event-router/internal/utils"
)

//
// Service contracts (context-aware)
//

// IngestService defines event routing operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type IngestService interface {
	// Ingest routes one event; eventKey deduplicates collector redelivery.
	Ingest(ctx context.Context, collectorID, eventKey string, ev domain.Event) (*services.IngestResult, error)
	// IngestBatch routes up to the configured maximum of envelopes.
	IngestBatch(ctx context.Context, collectorID string, events []domain.Event) ([]services.BatchItem, error)
	// SubmitResponse accepts an out-of-band handler reply for a session.
	SubmitResponse(ctx context.Context, sessionID, executionID string, success bool, action, payload, errMsg string, processedMS int64) (*domain.ModuleResponse, error)
	// SessionHistory returns the executions recorded for a session with any
	// attached handler responses.
	SessionHistory(ctx context.Context, sessionID string) ([]services.ExecutionHistory, error)
}

// CoordinationService defines the claim/lease protocol operations exposed to
// collector containers.
type CoordinationService interface {
	Claim(ctx context.Context, entityKey, containerID string) (*domain.CoordinationClaim, error)
	Release(ctx context.Context, entityKey, containerID string) error
	Checkin(ctx context.Context, entityKey, containerID string) error
	Heartbeat(ctx context.Context, entityKey, containerID string) error
	ReleaseOffline(ctx context.Context) (int64, error)
	UpdateLiveStatus(ctx context.Context, entityKey string, isLive bool, viewers int) error
	ReportError(ctx context.Context, entityKey, containerID string) error
	RequestClaims(ctx context.Context, containerID string, requested int) ([]domain.CoordinationClaim, error)
	Stats(ctx context.Context, page, pageSize int) (map[string]int64, []domain.CoordinationClaim, error)
}

// RegistryService defines command and entity registry operations.
type RegistryService interface {
	InstallCommand(ctx context.Context, c *domain.Command) (*domain.Command, error)
	UpdateCommand(ctx context.Context, id string, fields map[string]any) error
	RetireCommand(ctx context.Context, id string) error
	ListCommands(ctx context.Context, page, pageSize int) ([]domain.Command, int64, error)
	RegisterEntity(ctx context.Context, platform, serverID, channelID string) (*domain.Entity, error)
	ListEntities(ctx context.Context, page, pageSize int) ([]domain.Entity, int64, error)
	UpdateEntity(ctx context.Context, key string, active *bool, config *string) error
	Install(ctx context.Context, commandID, entityKey string) (*domain.CommandPermission, error)
	Uninstall(ctx context.Context, commandID, entityKey string) error
	SetEnabled(ctx context.Context, commandID, entityKey string, enabled bool) error
}

// RuleService defines string match rule management operations.
type RuleService interface {
	Create(ctx context.Context, r *domain.StringMatchRule, entityKeys []string) (*domain.StringMatchRule, error)
	Get(ctx context.Context, id string) (*domain.StringMatchRule, error)
	List(ctx context.Context, page, pageSize int) ([]domain.StringMatchRule, int64, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for ingestion, coordination, the command
// registry, and string rules. It depends on abstract service interfaces to
// keep transport concerns separate from business logic.
type Handlers struct {
	ingestSvc IngestService
	coordSvc  CoordinationService
	regSvc    RegistryService
	ruleSvc   RuleService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(ingestSvc IngestService, coordSvc CoordinationService, regSvc RegistryService, ruleSvc RuleService) *Handlers {
	return &Handlers{ingestSvc: ingestSvc, coordSvc: coordSvc, regSvc: regSvc, ruleSvc: ruleSvc}
}

//
// DTOs
//

// EventRequest is the JSON payload for a single normalized event envelope.
type EventRequest struct {
	Platform    string            `json:"platform"     binding:"required" example:"twitch"`
	ServerID    string            `json:"server_id"    binding:"required" example:"srv-1"`
	ChannelID   string            `json:"channel_id"   binding:"required" example:"general"`
	UserID      string            `json:"user_id"      example:"user123"`
	MessageType string            `json:"message_type" example:"chat"`
	Text        string            `json:"text"         example:"!help"`
	Metadata    map[string]string `json:"metadata"`
}

// toDomain converts the request envelope, defaulting the message type.
func (r EventRequest) toDomain() domain.Event {
	mt := strings.TrimSpace(r.MessageType)
	if mt == "" {
		mt = domain.MessageTypeChat
	}
	return domain.Event{
		Platform:    strings.TrimSpace(r.Platform),
		ServerID:    strings.TrimSpace(r.ServerID),
		ChannelID:   strings.TrimSpace(r.ChannelID),
		UserID:      strings.TrimSpace(r.UserID),
		MessageType: mt,
		Text:        r.Text,
		Metadata:    r.Metadata,
	}
}

// BatchRequest is the JSON payload for batch ingestion.
type BatchRequest struct {
	Events []EventRequest `json:"events" binding:"required,min=1"`
}

// BatchResponse wraps per-event results for a batch submission.
type BatchResponse struct {
	Items []services.BatchItem `json:"items"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

//
// Helpers
//

// clampPagination bounds page and page_size query params for list endpoints.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.ClampPage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
}

// paginate builds the Pagination block for a list response.
func paginate(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// PostEvent routes a single event envelope and returns the synchronous
// dispatch result. Redeliveries (same collector and Idempotency-Key within
// the receipt window) return the original session without re-dispatching.
func (h *Handlers) PostEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetDeliveryKey(c)
	res, err := h.ingestSvc.Ingest(c.Request.Context(), middleware.CollectorID(c), key, req.toDomain())
	if err != nil {
		if errors.Is(err, services.ErrInvalidEvent) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}

// PostEventBatch routes up to the configured number of envelopes. Each event
// succeeds or fails independently; the response preserves input order.
func (h *Handlers) PostEventBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Events) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "events array required")
		return
	}

	events := make([]domain.Event, len(req.Events))
	for i, e := range req.Events {
		events[i] = e.toDomain()
	}

	items, err := h.ingestSvc.IngestBatch(c.Request.Context(), middleware.CollectorID(c), events)
	if err != nil {
		if errors.Is(err, services.ErrBatchTooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeBatchTooLarge, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, BatchResponse{Items: items})
}

// GetSessionHistory returns the executions dispatched for a session with any
// handler responses attached. Unknown or expired sessions yield an empty
// list rather than 404: execution rows outlive the in-memory session.
func (h *Handlers) GetSessionHistory(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id required")
		return
	}
	history, err := h.ingestSvc.SessionHistory(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"session_id": id, "executions": history})
}

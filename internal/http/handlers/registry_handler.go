// Command registry HTTP handlers.
//
// Admin-facing endpoints for managing the module catalog and the venues it
// serves:
//   - POST   /commands                     (register a command)
//   - GET    /commands                     (list, paginated)
//   - PATCH  /commands/{id}               (update fields)
//   - DELETE /commands/{id}               (retire / soft delete)
//   - POST   /commands/{id}/install        (install into an entity)
//   - DELETE /commands/{id}/install        (uninstall from an entity)
//   - PUT    /commands/{id}/enabled        (toggle per-entity enablement)
//   - POST   /entities                     (register a venue)
//   - GET    /entities                     (list, paginated)
//   - PATCH  /entities/{key}               (toggle active / replace config)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/services"
)

//
// DTOs
//

// InstallCommandRequest is the JSON payload for registering a command.
type InstallCommandRequest struct {
	Prefix      string `json:"prefix"      binding:"required" example:"!"`
	Name        string `json:"name"        binding:"required,min=1,max=64" example:"help"`
	Description string `json:"description" example:"List available commands"`

	Type       string `json:"type"        binding:"required" example:"container"`
	Invocation string `json:"invocation"  binding:"required" example:"help"`
	HTTPMethod string `json:"http_method" example:"POST"`

	TimeoutSeconds int  `json:"timeout_seconds" example:"10"`
	RequireAuth    bool `json:"require_auth"`
	RateLimit      int  `json:"rate_limit" example:"30"`
	NoLimit        bool `json:"no_limit"`

	TriggerType   string `json:"trigger_type"   example:"command"`
	EventTypes    string `json:"event_types"    example:"member_join,stream_online"`
	Priority      int    `json:"priority"       example:"100"`
	ExecutionMode string `json:"execution_mode" example:"sequential"`
}

// toDomain builds an unsaved Command; defaults are filled by the service.
func (r InstallCommandRequest) toDomain() *domain.Command {
	return &domain.Command{
		Prefix:         r.Prefix,
		Name:           r.Name,
		Description:    r.Description,
		Type:           r.Type,
		Invocation:     r.Invocation,
		HTTPMethod:     r.HTTPMethod,
		TimeoutSeconds: r.TimeoutSeconds,
		RequireAuth:    r.RequireAuth,
		RateLimit:      r.RateLimit,
		NoLimit:        r.NoLimit,
		TriggerType:    r.TriggerType,
		EventTypes:     r.EventTypes,
		Priority:       r.Priority,
		ExecutionMode:  r.ExecutionMode,
	}
}

// RegisterEntityRequest is the JSON payload for registering a chat venue.
type RegisterEntityRequest struct {
	Platform  string `json:"platform"   binding:"required" example:"discord"`
	ServerID  string `json:"server_id"  binding:"required" example:"srv-1"`
	ChannelID string `json:"channel_id" binding:"required" example:"general"`
}

// PermissionRequest names the entity a command is (un)installed into.
type PermissionRequest struct {
	EntityKey string `json:"entity_key" binding:"required" example:"discord:srv-1:general"`
}

// SetEnabledRequest toggles a command inside an entity without uninstalling.
type SetEnabledRequest struct {
	EntityKey string `json:"entity_key" binding:"required"`
	Enabled   *bool  `json:"enabled"    binding:"required"`
}

// ListCommandsResponse wraps a page of commands and pagination information.
type ListCommandsResponse struct {
	Commands   []domain.Command `json:"commands"`
	Pagination Pagination       `json:"pagination"`
}

// ListEntitiesResponse wraps a page of entities and pagination information.
type ListEntitiesResponse struct {
	Entities   []domain.Entity `json:"entities"`
	Pagination Pagination      `json:"pagination"`
}

// registryFail translates registry service errors into HTTP responses.
func registryFail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidCommand):
		fail(c, http.StatusBadRequest, ErrCodeInvalidCommand, err.Error())
	case errors.Is(err, services.ErrDuplicateCommand):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrCommandNotFound),
		errors.Is(err, services.ErrEntityNotFound),
		errors.Is(err, services.ErrNotInstalled):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrAlreadyInstalled):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// CreateCommand registers a new command in the catalog.
func (h *Handlers) CreateCommand(c *gin.Context) {
	var req InstallCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	cmd, err := h.regSvc.InstallCommand(c.Request.Context(), req.toDomain())
	if err != nil {
		registryFail(c, err)
		return
	}
	ok(c, http.StatusCreated, cmd)
}

// ListCommands returns a page of registered commands.
func (h *Handlers) ListCommands(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.regSvc.ListCommands(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListCommandsResponse{Commands: items, Pagination: paginate(page, pageSize, total)})
}

// UpdateCommand patches mutable command fields.
func (h *Handlers) UpdateCommand(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || len(fields) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "non-empty JSON object required")
		return
	}
	if err := h.regSvc.UpdateCommand(c.Request.Context(), id, fields); err != nil {
		registryFail(c, err)
		return
	}
	noContent(c)
}

// DeleteCommand retires a command (soft delete); its execution history stays.
func (h *Handlers) DeleteCommand(c *gin.Context) {
	if err := h.regSvc.RetireCommand(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		registryFail(c, err)
		return
	}
	noContent(c)
}

// InstallCommandIntoEntity installs a command into a venue.
func (h *Handlers) InstallCommandIntoEntity(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity_key required")
		return
	}
	perm, err := h.regSvc.Install(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.EntityKey))
	if err != nil {
		registryFail(c, err)
		return
	}
	ok(c, http.StatusCreated, perm)
}

// UninstallCommandFromEntity removes a command from a venue.
func (h *Handlers) UninstallCommandFromEntity(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity_key required")
		return
	}
	if err := h.regSvc.Uninstall(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.EntityKey)); err != nil {
		registryFail(c, err)
		return
	}
	noContent(c)
}

// SetCommandEnabled toggles a command inside a venue without uninstalling it.
func (h *Handlers) SetCommandEnabled(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity_key and enabled required")
		return
	}
	if err := h.regSvc.SetEnabled(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.EntityKey), *req.Enabled); err != nil {
		registryFail(c, err)
		return
	}
	noContent(c)
}

// RegisterEntity registers a chat venue; repeated registration is idempotent.
func (h *Handlers) RegisterEntity(c *gin.Context) {
	var req RegisterEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "platform, server_id, and channel_id required")
		return
	}
	ent, err := h.regSvc.RegisterEntity(c.Request.Context(),
		strings.TrimSpace(req.Platform), strings.TrimSpace(req.ServerID), strings.TrimSpace(req.ChannelID))
	if err != nil {
		registryFail(c, err)
		return
	}
	ok(c, http.StatusCreated, ent)
}

// UpdateEntityRequest patches a venue. Pointer fields distinguish "not sent"
// from zero values; config replaces the stored JSON blob wholesale.
type UpdateEntityRequest struct {
	Active *bool   `json:"active"`
	Config *string `json:"config"`
}

// UpdateEntity toggles a venue's active flag and/or replaces its config.
func (h *Handlers) UpdateEntity(c *gin.Context) {
	var req UpdateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Active == nil && req.Config == nil) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "active or config required")
		return
	}
	if err := h.regSvc.UpdateEntity(c.Request.Context(), strings.TrimSpace(c.Param("key")), req.Active, req.Config); err != nil {
		registryFail(c, err)
		return
	}
	noContent(c)
}

// ListEntities returns a page of registered venues.
func (h *Handlers) ListEntities(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.regSvc.ListEntities(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListEntitiesResponse{Entities: items, Pagination: paginate(page, pageSize, total)})
}

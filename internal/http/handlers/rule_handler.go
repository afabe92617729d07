// String match rule HTTP handlers.
//
// Moderation staff manage content rules through these endpoints:
//   - POST   /rules        (create)
//   - GET    /rules        (list, paginated)
//   - GET    /rules/{id}   (fetch one)
//   - PUT    /rules/{id}   (update fields)
//   - DELETE /rules/{id}   (soft delete)
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

// CreateRuleRequest is the JSON payload for creating a string match rule.
// EntityKeys limits the rule to specific venues; empty means global.
type CreateRuleRequest struct {
	Pattern       string   `json:"pattern"        binding:"required,min=1,max=512" example:"badword"`
	MatchType     string   `json:"match_type"     binding:"required" example:"contains"`
	CaseSensitive bool     `json:"case_sensitive"`
	EntityKeys    []string `json:"entity_keys"`
	Action        string   `json:"action"         binding:"required" example:"block"`
	ActionArg     string   `json:"action_arg"     example:""`
	Priority      int      `json:"priority"       example:"100"`
}

// toDomain builds an unsaved rule; entity scoping is applied by the service.
func (r CreateRuleRequest) toDomain() *domain.StringMatchRule {
	return &domain.StringMatchRule{
		Pattern:       r.Pattern,
		MatchType:     r.MatchType,
		CaseSensitive: r.CaseSensitive,
		Action:        r.Action,
		ActionArg:     r.ActionArg,
		Priority:      r.Priority,
		Active:        true,
	}
}

// ListRulesResponse wraps a page of rules and pagination information.
type ListRulesResponse struct {
	Rules      []domain.StringMatchRule `json:"rules"`
	Pagination Pagination               `json:"pagination"`
}

// ruleFail translates rule service errors into HTTP responses.
func ruleFail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRule):
		fail(c, http.StatusBadRequest, ErrCodeInvalidRule, err.Error())
	case errors.Is(err, services.ErrRuleNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// CreateRule registers a new string match rule.
func (h *Handlers) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	rule, err := h.ruleSvc.Create(c.Request.Context(), req.toDomain(), req.EntityKeys)
	if err != nil {
		ruleFail(c, err)
		return
	}
	ok(c, http.StatusCreated, rule)
}

// ListRules returns a page of rules ordered by priority.
func (h *Handlers) ListRules(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.ruleSvc.List(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListRulesResponse{Rules: items, Pagination: paginate(page, pageSize, total)})
}

// GetRule fetches a single rule by id.
func (h *Handlers) GetRule(c *gin.Context) {
	rule, err := h.ruleSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		ruleFail(c, err)
		return
	}
	ok(c, http.StatusOK, rule)
}

// UpdateRule patches mutable rule fields; the merged rule is re-validated
// before anything is written.
func (h *Handlers) UpdateRule(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || len(fields) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "non-empty JSON object required")
		return
	}
	if err := h.ruleSvc.Update(c.Request.Context(), id, fields); err != nil {
		ruleFail(c, err)
		return
	}
	noContent(c)
}

// DeleteRule soft-deletes a rule; match telemetry is retained.
func (h *Handlers) DeleteRule(c *gin.Context) {
	if err := h.ruleSvc.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		ruleFail(c, err)
		return
	}
	noContent(c)
}

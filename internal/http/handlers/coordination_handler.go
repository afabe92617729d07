// Coordination HTTP handlers.
//
// Collector containers use these endpoints to divide entities among
// themselves:
//   - POST /coordination/claim      (claim one entity)
//   - POST /coordination/request    (ask for a batch of unclaimed entities)
//   - POST /coordination/release    (give an entity back)
//   - POST /coordination/checkin    (extend the lease)
//   - POST /coordination/heartbeat  (liveness ping between checkins)
//   - POST /coordination/status     (report live/viewer state)
//   - POST /coordination/error      (report a monitoring failure)
//   - POST /coordination/release-offline (free all not-live claims)
//   - GET  /coordination/stats      (operator view of claim distribution)
//
// Claim conflicts are routine, not errors: two containers racing for the
// same entity is exactly what the CAS guard exists for, so the loser gets a
// 409 and moves on.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/go-event-router/internal/coordinate"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

//
// DTOs
//

// ClaimRequest identifies the entity and the container acting on it.
type ClaimRequest struct {
	EntityKey   string `json:"entity_key"   binding:"required" example:"twitch:srv-1:general"`
	ContainerID string `json:"container_id" binding:"required" example:"collector-a"`
}

// RequestClaimsRequest asks for up to Count unclaimed entities, highest
// priority first.
type RequestClaimsRequest struct {
	ContainerID string `json:"container_id" binding:"required"`
	Count       int    `json:"count" example:"5"`
}

// LiveStatusRequest reports entity activity so the claim sweeper can rank
// idle entities for reassignment.
type LiveStatusRequest struct {
	EntityKey   string `json:"entity_key" binding:"required"`
	IsLive      bool   `json:"is_live"`
	ViewerCount int    `json:"viewer_count"`
}

// CoordinationStatsResponse is the operator view of claim distribution.
type CoordinationStatsResponse struct {
	Counts map[string]int64           `json:"counts"`
	Claims []domain.CoordinationClaim `json:"claims"`
}

// bindClaim reads a ClaimRequest and normalizes its fields.
func bindClaim(c *gin.Context) (ClaimRequest, bool) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity_key and container_id required")
		return req, false
	}
	req.EntityKey = strings.TrimSpace(req.EntityKey)
	req.ContainerID = strings.TrimSpace(req.ContainerID)
	if req.EntityKey == "" || req.ContainerID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity_key and container_id required")
		return req, false
	}
	return req, true
}

// coordFail translates coordination errors into HTTP responses.
func coordFail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrClaimConflict):
		fail(c, http.StatusConflict, ErrCodeClaimConflict, "entity is claimed by another collector")
	case errors.Is(err, coordinate.ErrCapacity):
		fail(c, http.StatusConflict, ErrCodeClaimCapacity, "container is at claim capacity")
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "entity has no claim record")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// PostClaim claims a single entity for a container. Claiming an entity the
// container already holds refreshes the lease.
func (h *Handlers) PostClaim(c *gin.Context) {
	req, okReq := bindClaim(c)
	if !okReq {
		return
	}
	claim, err := h.coordSvc.Claim(c.Request.Context(), req.EntityKey, req.ContainerID)
	if err != nil {
		coordFail(c, err)
		return
	}
	ok(c, http.StatusOK, claim)
}

// PostRequestClaims assigns up to count unclaimed entities to the container,
// highest priority first. Entities lost to concurrent claimers are skipped,
// so the result may be shorter than requested.
func (h *Handlers) PostRequestClaims(c *gin.Context) {
	var req RequestClaimsRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ContainerID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "container_id required")
		return
	}
	claims, err := h.coordSvc.RequestClaims(c.Request.Context(), strings.TrimSpace(req.ContainerID), req.Count)
	if err != nil {
		coordFail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"claims": claims})
}

// PostRelease returns a claimed entity to the idle pool.
func (h *Handlers) PostRelease(c *gin.Context) {
	req, okReq := bindClaim(c)
	if !okReq {
		return
	}
	if err := h.coordSvc.Release(c.Request.Context(), req.EntityKey, req.ContainerID); err != nil {
		coordFail(c, err)
		return
	}
	noContent(c)
}

// PostCheckin extends the container's lease on a claimed entity.
func (h *Handlers) PostCheckin(c *gin.Context) {
	req, okReq := bindClaim(c)
	if !okReq {
		return
	}
	if err := h.coordSvc.Checkin(c.Request.Context(), req.EntityKey, req.ContainerID); err != nil {
		coordFail(c, err)
		return
	}
	noContent(c)
}

// PostHeartbeat is the lightweight liveness ping collectors send between
// full checkins. It extends the lease the same way PostCheckin does.
func (h *Handlers) PostHeartbeat(c *gin.Context) {
	req, okReq := bindClaim(c)
	if !okReq {
		return
	}
	if err := h.coordSvc.Heartbeat(c.Request.Context(), req.EntityKey, req.ContainerID); err != nil {
		coordFail(c, err)
		return
	}
	noContent(c)
}

// PostReleaseOffline returns every owned, not-live entity to the idle pool
// and reports how many were freed. Operators call this to rebalance after a
// platform outage instead of waiting for leases to lapse one by one.
func (h *Handlers) PostReleaseOffline(c *gin.Context) {
	released, err := h.coordSvc.ReleaseOffline(c.Request.Context())
	if err != nil {
		coordFail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"released": released})
}

// PostLiveStatus records live/viewer state for an entity, which feeds the
// priority used when idle entities are handed out.
func (h *Handlers) PostLiveStatus(c *gin.Context) {
	var req LiveStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.EntityKey) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity_key required")
		return
	}
	if err := h.coordSvc.UpdateLiveStatus(c.Request.Context(), strings.TrimSpace(req.EntityKey), req.IsLive, req.ViewerCount); err != nil {
		coordFail(c, err)
		return
	}
	noContent(c)
}

// PostClaimError records a monitoring failure; enough consecutive failures
// force-release the claim so another container can pick the entity up.
func (h *Handlers) PostClaimError(c *gin.Context) {
	req, okReq := bindClaim(c)
	if !okReq {
		return
	}
	if err := h.coordSvc.ReportError(c.Request.Context(), req.EntityKey, req.ContainerID); err != nil {
		coordFail(c, err)
		return
	}
	noContent(c)
}

// GetCoordinationStats returns per-status claim counts and a page of claims.
func (h *Handlers) GetCoordinationStats(c *gin.Context) {
	page, pageSize := clampPagination(c)
	counts, claims, err := h.coordSvc.Stats(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, CoordinationStatsResponse{Counts: counts, Claims: claims})
}

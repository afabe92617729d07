// Module response HTTP handler.
//
// Networked command handlers reply out-of-band: the router hands them a
// session id at dispatch time, and they POST their result back here once the
// work completes. The session correlator validates the pairing before any
// state is written.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/go-event-router/internal/session"
)

// SubmitResponseRequest is the JSON payload a command handler posts back.
type SubmitResponseRequest struct {
	SessionID   string `json:"session_id"   binding:"required"`
	ExecutionID string `json:"execution_id" binding:"required"`
	Success     bool   `json:"success"`
	Action      string `json:"action"  example:"chat"`
	Payload     string `json:"payload" example:"{\"text\":\"pong\"}"`
	Error       string `json:"error"`
	ProcessedMS int64  `json:"processing_ms"`
}

// PostResponse records an asynchronous handler reply against its execution.
//
// Responses:
//   - 201 with the stored ModuleResponse on success
//   - 400 when the body is malformed
//   - 404 invalid_session when the session/execution pairing is unknown,
//     expired, or mismatched (nothing is written in that case)
func (h *Handlers) PostResponse(c *gin.Context) {
	var req SubmitResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	resp, err := h.ingestSvc.SubmitResponse(
		c.Request.Context(),
		req.SessionID, req.ExecutionID,
		req.Success, req.Action, req.Payload, req.Error, req.ProcessedMS,
	)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			fail(c, http.StatusNotFound, ErrCodeInvalidSession, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusCreated, resp)
}

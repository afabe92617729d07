// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by every endpoint: a uniform
// error envelope plus small wrappers for success responses. Collector
// containers and operator tooling both parse these envelopes mechanically, so
// the shape never varies per endpoint.
//
// An error response looks like:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "claim_conflict",
//	  "message": "claim is held by another collector"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/go-event-router/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints. Code is a
// stable machine-readable string (see errors.go); Message is safe to surface
// to operators. RequestID echoes X-Request-ID so a failed call can be matched
// against server logs.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with a structured error envelope. Server-side
// failures (>= 500) are additionally logged through the request-scoped logger
// so 5xx responses always leave a trace.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail exposes fail for packages outside handlers (router-level fallbacks
// such as the rate-limit rejection path).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes body as JSON with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes 204 for operations with nothing to return.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements delivery deduplication for collector submissions.
// Collectors retry event delivery on network failure, so the same envelope may
// arrive more than once. The middleware validates an Idempotency-Key request
// header, optionally performs a user-defined lookup to detect previously
// accepted deliveries, and annotates the request context so downstream
// handlers can:
//   - read the normalized key (GetDeliveryKey)
//   - detect redelivered envelopes (IsRedelivery)
//   - bypass rate limiting when a redelivery is served (via an internal flag)
//
// Design goals:
//   - Keep transport concerns (validation, context stashing) in middleware.
//   - Decouple persistence via a narrow DeliveryLookup function type.
//   - Remain framework-agnostic beyond Gin's context.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the canonical request header that collectors use to
// convey a delivery key for event submissions.
//
// The value is expected to be stable for a given delivered envelope so that
// retries (network, client, or server initiated) can be safely deduplicated.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderCollectorID identifies the submitting collector container. Delivery
// keys are scoped per collector, so two collectors may reuse the same key
// without colliding.
const HeaderCollectorID = "X-Collector-ID"

// Context keys used internally to stash dedupe state.
// These keys are intentionally unexported and referenced via accessor helpers.
const (
	ctxKeyDeliveryKey = "delivery.key"
	ctxKeyRedelivery  = "delivery.replay" // bool: true when a stored receipt exists
	ctxKeyRateBypass  = "rate.bypass"     // bool: true to skip rate limiting
)

// GetDeliveryKey returns the validated delivery key stored in the Gin context
// by DeliveryDedupe. The second return value indicates presence.
//
// Handlers should prefer this function over reading the header directly.
func GetDeliveryKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyDeliveryKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsRedelivery reports whether the middleware detected that this request would
// redeliver a previously accepted envelope (based on collector and key).
//
// When true, upstream components (e.g., handlers, rate limiters) may choose to
// short-circuit ingestion and return the previously persisted receipt.
func IsRedelivery(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRedelivery)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// CollectorID returns the collector identifier sent with the request, or a
// development-friendly fallback when the header is absent.
func CollectorID(c *gin.Context) string {
	if id := c.GetHeader(HeaderCollectorID); id != "" {
		return id
	}
	return "anonymous-collector"
}

// DedupeOptions configures header validation behavior for DeliveryDedupe.
// TTL enforcement is intentionally out of scope here and should be
// implemented inside the provided lookup function.
type DedupeOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, a conservative RFC7230-like
	// token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
	// NOTE: TTL is not enforced here; enforce it within your DeliveryLookup.
}

// DeliveryLookup answers whether a still-valid receipt exists for
// (collectorID, key) at the given time. Implementations typically consult a
// receipt record containing the previous ingest outcome and TTL window.
//
// Return exists=true when the prior receipt can be replayed; return an error
// only for lookup failures (which should not block normal processing).
type DeliveryLookup func(ctx context.Context, collectorID, key string, now time.Time) (exists bool, err error)

// DeliveryDedupe validates the Idempotency-Key header (if present), stashes it
// in the request context, and optionally checks for a prior accepted delivery
// via the supplied lookup. When a redelivery is detected, it marks the context
// so downstream components can:
//   - detect redelivery via IsRedelivery
//   - bypass rate limiting (internal flag checked by the RL middleware)
//
// Behavior:
//   - If header is absent: the middleware is a no-op.
//   - If header fails validation: responds 400 with a compact error body.
//   - If lookup indicates a redelivery: sets redelivery + rate-bypass flags.
//   - Always invokes the next handler unless validation fails.
//
// This middleware does not itself return a cached payload; handlers remain in
// control of how to serve redeliveries (e.g., by fetching the stored receipt).
func DeliveryDedupe(opts DedupeOptions, lookup DeliveryLookup) gin.HandlerFunc {
	// Sensible defaults.
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		// RFC-7230-ish token + common safe chars.
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			// Nothing to validate or stash; proceed.
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		// Stash the normalized key for downstream use.
		c.Set(ctxKeyDeliveryKey, key)

		// If we can detect a previously stored receipt, mark redelivery + rate bypass.
		if lookup != nil {
			now := time.Now().UTC()
			if exists, _ := lookup(c.Request.Context(), CollectorID(c), key, now); exists {
				c.Set(ctxKeyRedelivery, true)
				c.Set(ctxKeyRateBypass, true) // let RL middleware skip limiting
			}
		}

		c.Next()
	}
}

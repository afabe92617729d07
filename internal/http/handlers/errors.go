// This file centralizes the stable error codes carried by every ErrorResponse
// (see response.go). Generic codes mirror HTTP status semantics; the
// domain-specific set exists for outcomes a status code alone cannot convey,
// like a claim held by another collector versus a claim table at capacity
// (both 409). Collector containers branch on these strings, so existing codes
// never change meaning.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeInvalidEvent     = "invalid_event"
	ErrCodeBatchTooLarge    = "batch_too_large"
	ErrCodeInvalidSession   = "invalid_session"
	ErrCodeClaimConflict    = "claim_conflict"
	ErrCodeClaimCapacity    = "claim_capacity"
	ErrCodeInvalidRule      = "invalid_rule"
	ErrCodeInvalidCommand   = "invalid_command"
	ErrCodeIngestFailed     = "ingest_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

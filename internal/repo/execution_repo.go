// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Execution
// audit trail and ModuleResponse records.
//
// Executions are append-only: rows are created pending (or directly
// terminal for gate rejections) and finalized exactly once. Finalize
// guards on status = 'pending' so a terminal record is never rewritten.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// ErrTerminal is returned when attempting to finalize an execution that
// already reached a terminal status.
var ErrTerminal = errors.New("execution already terminal")

// CreateExecution appends a new execution record.
func CreateExecution(ctx context.Context, db *gorm.DB, e *domain.Execution) (*domain.Execution, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// GetExecution fetches an execution by ID, or ErrNotFound.
func GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.Execution, error) {
	var e domain.Execution
	err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExecutionsBySession returns every execution tied to a session id in
// start order.
func ListExecutionsBySession(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Execution, error) {
	var out []domain.Execution
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at asc").
		Find(&out).Error
	return out, err
}

// FinalizeExecution moves a pending execution to a terminal status and
// records response, error, retry count, and timing. Returns ErrTerminal if
// the record was already finalized and ErrNotFound if it does not exist.
func FinalizeExecution(ctx context.Context, db *gorm.DB, id, status, response, errMsg string, retries int, finished time.Time) error {
	var e domain.Execution
	if err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return err
	}
	res := db.WithContext(ctx).
		Model(&domain.Execution{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":      status,
			"response":    response,
			"error":       errMsg,
			"retries":     retries,
			"finished_at": finished,
			"duration_ms": finished.Sub(e.StartedAt).Milliseconds(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

// AttachExecutionResponse records an out-of-band response payload on an
// execution without touching its status. Used when a handler replies after
// its synchronous acknowledgement already finalized the record.
func AttachExecutionResponse(ctx context.Context, db *gorm.DB, id, response string) error {
	res := db.WithContext(ctx).
		Model(&domain.Execution{}).
		Where("id = ?", id).
		Update("response", response)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateModuleResponse persists a validated out-of-band handler response.
func CreateModuleResponse(ctx context.Context, db *gorm.DB, r *domain.ModuleResponse) (*domain.ModuleResponse, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// ListResponsesByExecution returns the responses recorded for an execution.
func ListResponsesByExecution(ctx context.Context, db *gorm.DB, executionID string) ([]domain.ModuleResponse, error) {
	var out []domain.ModuleResponse
	err := db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

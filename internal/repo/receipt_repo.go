// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// IngestReceipt model used to deduplicate collector event redelivery.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// GetReceipt returns a non-expired receipt or ErrNotFound.
func GetReceipt(ctx context.Context, db *gorm.DB, collectorID, eventKey string, now time.Time) (*domain.IngestReceipt, error) {
	if strings.TrimSpace(eventKey) == "" {
		return nil, ErrNotFound
	}
	var rec domain.IngestReceipt
	err := db.WithContext(ctx).
		Where("collector_id = ? AND event_key = ? AND expires_at > ?", collectorID, eventKey, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateReceipt inserts a receipt and returns ErrDuplicate on unique violation.
func CreateReceipt(ctx context.Context, db *gorm.DB, collectorID, eventKey, sessionID string, ttl time.Duration) (*domain.IngestReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.IngestReceipt{
		ID:          uuid.NewString(),
		CollectorID: collectorID,
		EventKey:    eventKey,
		SessionID:   sessionID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredReceipts removes receipts past their TTL.
func PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.IngestReceipt{})
	return res.RowsAffected, res.Error
}

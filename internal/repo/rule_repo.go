// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// StringMatchRule model, the content-pattern fallback evaluated when no
// exact command matches a chat message.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// CreateRule inserts a new StringMatchRule row.
func CreateRule(ctx context.Context, db *gorm.DB, r *domain.StringMatchRule) (*domain.StringMatchRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetRule fetches a rule by ID, or ErrNotFound if missing.
func GetRule(ctx context.Context, db *gorm.DB, id string) (*domain.StringMatchRule, error) {
	var r domain.StringMatchRule
	err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListActiveRules returns every active rule in ascending priority order,
// ties broken by creation time. Entity scoping is evaluated in memory by
// the matcher because the CSV scope column is not indexable.
func ListActiveRules(ctx context.Context, db *gorm.DB) ([]domain.StringMatchRule, error) {
	var out []domain.StringMatchRule
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("priority asc, created_at asc").
		Find(&out).Error
	return out, err
}

// CountRules returns the total number of rules.
func CountRules(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.StringMatchRule{}).Count(&total).Error
	return total, err
}

// ListRulesPage returns a paginated slice of rules ordered by priority.
func ListRulesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.StringMatchRule, error) {
	var out []domain.StringMatchRule
	err := db.WithContext(ctx).
		Order("priority asc, created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateRule applies a partial update to a rule. Returns ErrNotFound when
// the rule does not exist.
func UpdateRule(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.StringMatchRule{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteRule soft-deletes a rule. Returns ErrNotFound when no row matched.
func DeleteRule(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.StringMatchRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchRuleMatch bumps the match telemetry after a rule hit.
func TouchRuleMatch(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.StringMatchRule{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"match_count":     gorm.Expr("match_count + 1"),
			"last_matched_at": now,
		}).Error
}

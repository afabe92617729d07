// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the CoordinationClaim primitives.
//
// Every ownership transition is a guarded UPDATE carrying the row Version
// in its WHERE clause, so two containers racing for the same entity can
// never both observe RowsAffected == 1. The coordination service is the
// only caller of these functions.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// ErrClaimConflict is returned when a guarded claim update matched no row:
// another container won the race, the lease moved on, or the claim is not
// owned by the caller. Callers treat it as benign.
var ErrClaimConflict = errors.New("claim conflict")

// EnsureClaim lazily creates the claim row for an entity on first sight.
// Existing rows are left untouched.
func EnsureClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error) {
	c := &domain.CoordinationClaim{
		EntityKey: entityKey,
		Status:    domain.ClaimIdle,
		CreatedAt: time.Now().UTC(),
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entity_key"}}, DoNothing: true}).
		Create(c).Error
	if err != nil {
		return nil, err
	}
	return GetClaim(ctx, db, entityKey)
}

// GetClaim fetches the claim row for an entity, or ErrNotFound.
func GetClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error) {
	var c domain.CoordinationClaim
	err := db.WithContext(ctx).Where("entity_key = ?", entityKey).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TryClaim attempts the idle→claimed transition for containerID. The guard
// requires the row to still be idle at the observed version; exactly one
// contender can satisfy it. Returns ErrClaimConflict for the losers.
func TryClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string, version int64, expires time.Time) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("entity_key = ? AND status = ? AND version = ?", entityKey, domain.ClaimIdle, version).
		Updates(map[string]any{
			"claimed_by":       containerID,
			"status":           domain.ClaimClaimed,
			"claim_expires_at": expires,
			"last_checkin_at":  now,
			"error_count":      0,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimConflict
	}
	return nil
}

// ReleaseClaim returns an owned claim to the idle pool. Guarded by owner so
// a stale container cannot release somebody else's claim.
func ReleaseClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string) error {
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("entity_key = ? AND claimed_by = ? AND status IN ?", entityKey, containerID, []string{domain.ClaimClaimed, domain.ClaimLive, domain.ClaimError}).
		Updates(map[string]any{
			"claimed_by":       "",
			"status":           domain.ClaimIdle,
			"claim_expires_at": nil,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimConflict
	}
	return nil
}

// CheckinClaim extends the lease of an owned claim and stamps the checkin
// time. Guarded by owner. An error-status claim whose count sits below the
// forced-release threshold is still owned, so a successful checkin recovers
// it to the claimed/live pair; the error count keeps accumulating until
// ReportError forces a release.
func CheckinClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string, expires time.Time) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("entity_key = ? AND claimed_by = ? AND status IN ?", entityKey, containerID,
			[]string{domain.ClaimClaimed, domain.ClaimLive, domain.ClaimError}).
		Updates(map[string]any{
			"claim_expires_at": expires,
			"last_checkin_at":  now,
			"status":           gorm.Expr("CASE WHEN is_live THEN ? ELSE ? END", domain.ClaimLive, domain.ClaimClaimed),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimConflict
	}
	return nil
}

// UpdateLiveStatus records liveness telemetry and the derived priority
// score. Ownership does not change here; only the claimed↔live status pair
// flips with the is_live flag.
func UpdateLiveStatus(ctx context.Context, db *gorm.DB, entityKey string, isLive bool, viewers int, priority int64) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"is_live":          isLive,
		"viewer_count":     viewers,
		"priority":         priority,
		"last_activity_at": now,
		"version":          gorm.Expr("version + 1"),
	}
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("entity_key = ?", entityKey).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	// Owned claims surface liveness in their status.
	status := domain.ClaimClaimed
	if isLive {
		status = domain.ClaimLive
	}
	return db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("entity_key = ? AND status IN ?", entityKey, []string{domain.ClaimClaimed, domain.ClaimLive}).
		Update("status", status).Error
}

// IncrementClaimError bumps the handler failure counter and returns the new
// count so the service can enforce its forced-release threshold.
func IncrementClaimError(ctx context.Context, db *gorm.DB, entityKey string) (int, error) {
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("entity_key = ?", entityKey).
		Updates(map[string]any{
			"error_count": gorm.Expr("error_count + 1"),
			"status":      domain.ClaimError,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	c, err := GetClaim(ctx, db, entityKey)
	if err != nil {
		return 0, err
	}
	return c.ErrorCount, nil
}

// ListIdleClaims returns up to limit idle entities ordered by priority
// descending (live/active venues first), ties by last activity recency.
func ListIdleClaims(ctx context.Context, db *gorm.DB, limit int) ([]domain.CoordinationClaim, error) {
	var out []domain.CoordinationClaim
	err := db.WithContext(ctx).
		Where("status = ?", domain.ClaimIdle).
		Order("priority desc, last_activity_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountClaimsByContainer returns how many claims a container currently holds.
func CountClaimsByContainer(ctx context.Context, db *gorm.DB, containerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("claimed_by = ? AND status IN ?", containerID, []string{domain.ClaimClaimed, domain.ClaimLive, domain.ClaimError}).
		Count(&total).Error
	return total, err
}

// SweepExpiredClaims returns every owned claim whose lease (plus grace)
// elapsed before cutoff to the idle pool. Returns the number of reclaimed
// entities.
func SweepExpiredClaims(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("status IN ? AND claim_expires_at IS NOT NULL AND claim_expires_at < ?",
			[]string{domain.ClaimClaimed, domain.ClaimLive, domain.ClaimError}, cutoff).
		Updates(map[string]any{
			"claimed_by":       "",
			"status":           domain.ClaimIdle,
			"claim_expires_at": nil,
			"version":          gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// ReleaseOfflineClaims returns owned, not-live claims to the idle pool so
// quiet venues can be redistributed. Returns the number released.
func ReleaseOfflineClaims(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Where("status = ? AND is_live = ?", domain.ClaimClaimed, false).
		Updates(map[string]any{
			"claimed_by":       "",
			"status":           domain.ClaimIdle,
			"claim_expires_at": nil,
			"version":          gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// ClaimStatusCounts returns the number of claims per status.
func ClaimStatusCounts(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := db.WithContext(ctx).
		Model(&domain.CoordinationClaim{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ListClaimsPage returns a paginated view of claim rows for the stats/list
// query, ordered by priority descending.
func ListClaimsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.CoordinationClaim, error) {
	var out []domain.CoordinationClaim
	err := db.WithContext(ctx).
		Order("priority desc, entity_key asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

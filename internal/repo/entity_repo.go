// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Entity
// model (chat venues).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// UpsertEntity registers a chat venue. The primary key is derived from
// (platform, server, channel), so repeated registration is idempotent and
// only refreshes UpdatedAt and the active flag.
func UpsertEntity(ctx context.Context, db *gorm.DB, platform, serverID, channelID string) (*domain.Entity, error) {
	e := &domain.Entity{
		Key:       domain.EntityKey(platform, serverID, channelID),
		Platform:  platform,
		ServerID:  serverID,
		ChannelID: channelID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{"active": true, "updated_at": time.Now().UTC()}),
		}).
		Create(e).Error
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEntity fetches an entity by its derived key, or ErrNotFound.
func GetEntity(ctx context.Context, db *gorm.DB, key string) (*domain.Entity, error) {
	var e domain.Entity
	err := db.WithContext(ctx).Where("key = ?", key).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountEntities returns the total number of registered entities.
func CountEntities(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Entity{}).Count(&total).Error
	return total, err
}

// ListEntitiesPage returns a paginated slice of entities ordered by creation
// time descending. Use CountEntities for pagination metadata.
func ListEntitiesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Entity, error) {
	var out []domain.Entity
	err := db.WithContext(ctx).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SetEntityActive flips the active flag on a venue. Returns ErrNotFound when
// the entity does not exist.
func SetEntityActive(ctx context.Context, db *gorm.DB, key string, active bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Entity{}).
		Where("key = ?", key).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateEntityConfig replaces the free-form JSON configuration of a venue.
func UpdateEntityConfig(ctx context.Context, db *gorm.DB, key, config string) error {
	res := db.WithContext(ctx).
		Model(&domain.Entity{}).
		Where("key = ?", key).
		Update("config", config)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

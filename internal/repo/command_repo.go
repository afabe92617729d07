// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Command
// model and the CommandPermission join table.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Unique-constraint violations surface as ErrDuplicate.
//   - On other DB errors the raw gorm error is propagated.
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

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique-constraint violation on insert.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation normalizes driver-specific unique-constraint errors.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreateCommand inserts a new Command row. The caller (registry service) is
// responsible for enforcing (prefix, name) uniqueness among active commands;
// this function only persists.
func CreateCommand(ctx context.Context, db *gorm.DB, c *domain.Command) (*domain.Command, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetCommand fetches a command by ID, or ErrNotFound if missing.
func GetCommand(ctx context.Context, db *gorm.DB, id string) (*domain.Command, error) {
	var c domain.Command
	err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindActiveCommand fetches the active command for (prefix, name, location).
// Returns ErrNotFound when no active command matches.
func FindActiveCommand(ctx context.Context, db *gorm.DB, prefix, name, location string) (*domain.Command, error) {
	var c domain.Command
	err := db.WithContext(ctx).
		Where("prefix = ? AND name = ? AND location = ? AND active = ?", prefix, name, location, true).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountActiveByPrefixName returns how many active commands share (prefix, name).
// Used to enforce global uniqueness at install time.
func CountActiveByPrefixName(ctx context.Context, db *gorm.DB, prefix, name string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("prefix = ? AND name = ? AND active = ?", prefix, name, true).
		Count(&total).Error
	return total, err
}

// ListEventCommands returns active commands whose trigger type covers
// non-chat events, ordered by (priority, created_at).
func ListEventCommands(ctx context.Context, db *gorm.DB) ([]domain.Command, error) {
	var out []domain.Command
	err := db.WithContext(ctx).
		Where("active = ? AND trigger_type IN ?", true, []string{domain.TriggerEvent, domain.TriggerBoth}).
		Order("priority asc, created_at asc").
		Find(&out).Error
	return out, err
}

// CountCommands returns the total number of commands (active and inactive).
func CountCommands(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Command{}).Count(&total).Error
	return total, err
}

// ListCommandsPage returns a paginated slice of commands ordered by
// (priority, created_at). Use CountCommands for pagination metadata.
func ListCommandsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Command, error) {
	var out []domain.Command
	err := db.WithContext(ctx).
		Order("priority asc, created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateCommand applies a partial update to a command. Returns ErrNotFound
// when the command does not exist.
func UpdateCommand(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Command{}).
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

// DeactivateCommand clears the active flag so the (prefix, name) pair is
// released for future installs. The row is kept for the audit trail.
func DeactivateCommand(ctx context.Context, db *gorm.DB, id string) error {
	return UpdateCommand(ctx, db, id, map[string]any{"active": false})
}

// InstallPermission creates the CommandPermission join row for an entity.
// Returns ErrDuplicate when the command is already installed there.
func InstallPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) (*domain.CommandPermission, error) {
	p := &domain.CommandPermission{
		ID:        uuid.NewString(),
		CommandID: commandID,
		EntityKey: entityKey,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return p, nil
}

// GetPermission fetches the install record for (commandID, entityKey), or
// ErrNotFound when the command is not installed in that entity.
func GetPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) (*domain.CommandPermission, error) {
	var p domain.CommandPermission
	err := db.WithContext(ctx).
		Where("command_id = ? AND entity_key = ?", commandID, entityKey).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UninstallPermission hard-deletes the install record. Returns ErrNotFound
// when no row was removed.
func UninstallPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) error {
	res := db.WithContext(ctx).
		Where("command_id = ? AND entity_key = ?", commandID, entityKey).
		Delete(&domain.CommandPermission{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchPermissionUsage bumps the usage counter and last-used timestamp.
// Called at dispatch time, not completion.
func TouchPermissionUsage(ctx context.Context, db *gorm.DB, commandID, entityKey string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.CommandPermission{}).
		Where("command_id = ? AND entity_key = ?", commandID, entityKey).
		Updates(map[string]any{
			"use_count":    gorm.Expr("use_count + 1"),
			"last_used_at": now,
		}).Error
}

// SetPermissionEnabled toggles the enabled flag for an install record.
func SetPermissionEnabled(ctx context.Context, db *gorm.DB, commandID, entityKey string, enabled bool) error {
	res := db.WithContext(ctx).
		Model(&domain.CommandPermission{}).
		Where("command_id = ? AND entity_key = ?", commandID, entityKey).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Package services – RegistryService
//
// This file implements command and entity registration: installing command
// definitions (enforcing the active (prefix, name) uniqueness invariant),
// idempotent venue registration, and the install/uninstall lifecycle of
// per-entity command permissions. Cache invalidation happens here because
// this service owns every write path the matcher and engine read through
// their caches.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/cache"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

// RegistryRepo is the persistence contract required by RegistryService.
type RegistryRepo interface {
	CreateCommand(ctx context.Context, db *gorm.DB, c *domain.Command) (*domain.Command, error)
	GetCommand(ctx context.Context, db *gorm.DB, id string) (*domain.Command, error)
	CountActiveByPrefixName(ctx context.Context, db *gorm.DB, prefix, name string) (int64, error)
	UpdateCommand(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error
	DeactivateCommand(ctx context.Context, db *gorm.DB, id string) error
	CountCommands(ctx context.Context, db *gorm.DB) (int64, error)
	ListCommandsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Command, error)

	UpsertEntity(ctx context.Context, db *gorm.DB, platform, serverID, channelID string) (*domain.Entity, error)
	GetEntity(ctx context.Context, db *gorm.DB, key string) (*domain.Entity, error)
	CountEntities(ctx context.Context, db *gorm.DB) (int64, error)
	ListEntitiesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Entity, error)
	SetEntityActive(ctx context.Context, db *gorm.DB, key string, active bool) error
	UpdateEntityConfig(ctx context.Context, db *gorm.DB, key, config string) error

	InstallPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) (*domain.CommandPermission, error)
	UninstallPermission(ctx context.Context, db *gorm.DB, commandID, entityKey string) error
	SetPermissionEnabled(ctx context.Context, db *gorm.DB, commandID, entityKey string, enabled bool) error
}

// RegistryService manages command definitions, venues, and installs.
type RegistryService struct {
	DB   *gorm.DB
	Repo RegistryRepo

	// Commands and Perms are the read caches invalidated on writes. Either
	// may be nil in tests.
	Commands *cache.Cache[*domain.Command]
	Perms    *cache.Cache[*domain.CommandPermission]
}

// NewRegistryService constructs a RegistryService.
func NewRegistryService(db *gorm.DB, r RegistryRepo, cmds *cache.Cache[*domain.Command], perms *cache.Cache[*domain.CommandPermission]) *RegistryService {
	return &RegistryService{DB: db, Repo: r, Commands: cmds, Perms: perms}
}

// InstallCommand validates and persists a new command definition. The
// active (prefix, name) pair must be globally unique; duplicates are
// rejected with ErrDuplicateCommand.
func (s *RegistryService) InstallCommand(ctx context.Context, c *domain.Command) (*domain.Command, error) {
	if err := normalizeCommand(c); err != nil {
		return nil, err
	}
	n, err := s.Repo.CountActiveByPrefixName(ctx, s.DB, c.Prefix, c.Name)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrDuplicateCommand
	}
	out, err := s.Repo.CreateCommand(ctx, s.DB, c)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateCommand
		}
		return nil, err
	}
	s.invalidateCommand(out)
	return out, nil
}

// UpdateCommand applies a partial update and drops stale cache entries.
func (s *RegistryService) UpdateCommand(ctx context.Context, id string, fields map[string]any) error {
	cmd, err := s.Repo.GetCommand(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrCommandNotFound
		}
		return err
	}
	if err := s.Repo.UpdateCommand(ctx, s.DB, id, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrCommandNotFound
		}
		return err
	}
	s.invalidateCommand(cmd)
	return nil
}

// RetireCommand clears the active flag, releasing the (prefix, name) pair.
func (s *RegistryService) RetireCommand(ctx context.Context, id string) error {
	cmd, err := s.Repo.GetCommand(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrCommandNotFound
		}
		return err
	}
	if err := s.Repo.DeactivateCommand(ctx, s.DB, id); err != nil {
		return err
	}
	s.invalidateCommand(cmd)
	return nil
}

// ListCommands returns a page of command definitions and the total count.
func (s *RegistryService) ListCommands(ctx context.Context, page, pageSize int) ([]domain.Command, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	total, err := s.Repo.CountCommands(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Command{}, 0, nil
	}
	items, err := s.Repo.ListCommandsPage(ctx, s.DB, offset, limit)
	return items, total, err
}

// RegisterEntity registers a chat venue; repeated calls are idempotent.
func (s *RegistryService) RegisterEntity(ctx context.Context, platform, serverID, channelID string) (*domain.Entity, error) {
	if strings.TrimSpace(platform) == "" || strings.TrimSpace(serverID) == "" || strings.TrimSpace(channelID) == "" {
		return nil, ErrEntityNotFound
	}
	return s.Repo.UpsertEntity(ctx, s.DB, platform, serverID, channelID)
}

// ListEntities returns a page of registered venues and the total count.
func (s *RegistryService) ListEntities(ctx context.Context, page, pageSize int) ([]domain.Entity, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	total, err := s.Repo.CountEntities(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Entity{}, 0, nil
	}
	items, err := s.Repo.ListEntitiesPage(ctx, s.DB, offset, limit)
	return items, total, err
}

// UpdateEntity patches the active flag and/or the free-form JSON config of a
// venue. Deactivating an entity keeps its installs; the matcher simply stops
// seeing it as a command target.
func (s *RegistryService) UpdateEntity(ctx context.Context, key string, active *bool, config *string) error {
	if active != nil {
		if err := s.Repo.SetEntityActive(ctx, s.DB, key, *active); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrEntityNotFound
			}
			return err
		}
	}
	if config != nil {
		if err := s.Repo.UpdateEntityConfig(ctx, s.DB, key, *config); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrEntityNotFound
			}
			return err
		}
	}
	return nil
}

// Install creates the permission joining a command and an entity.
func (s *RegistryService) Install(ctx context.Context, commandID, entityKey string) (*domain.CommandPermission, error) {
	if _, err := s.Repo.GetCommand(ctx, s.DB, commandID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}
	if _, err := s.Repo.GetEntity(ctx, s.DB, entityKey); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	p, err := s.Repo.InstallPermission(ctx, s.DB, commandID, entityKey)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrAlreadyInstalled
		}
		return nil, err
	}
	s.invalidatePermission(commandID, entityKey)
	return p, nil
}

// Uninstall removes the permission; the join row is hard-deleted.
func (s *RegistryService) Uninstall(ctx context.Context, commandID, entityKey string) error {
	err := s.Repo.UninstallPermission(ctx, s.DB, commandID, entityKey)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotInstalled
	}
	if err == nil {
		s.invalidatePermission(commandID, entityKey)
	}
	return err
}

// SetEnabled toggles a permission without uninstalling it.
func (s *RegistryService) SetEnabled(ctx context.Context, commandID, entityKey string, enabled bool) error {
	err := s.Repo.SetPermissionEnabled(ctx, s.DB, commandID, entityKey, enabled)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotInstalled
	}
	if err == nil {
		s.invalidatePermission(commandID, entityKey)
	}
	return err
}

// invalidateCommand drops every cache key a command can be read under.
func (s *RegistryService) invalidateCommand(c *domain.Command) {
	if s.Commands == nil || c == nil {
		return
	}
	s.Commands.Invalidate("cmd|" + c.Prefix + "|" + c.Name + "|" + c.Location)
	s.Commands.Invalidate("cmdid|" + c.ID)
}

// invalidatePermission drops the engine's cached permission row.
func (s *RegistryService) invalidatePermission(commandID, entityKey string) {
	if s.Perms == nil {
		return
	}
	s.Perms.Invalidate("perm|" + commandID + "|" + entityKey)
}

// normalizeCommand validates and canonicalizes a new command definition.
func normalizeCommand(c *domain.Command) error {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Name == "" || (c.Prefix != "!" && c.Prefix != "?") {
		return ErrInvalidCommand
	}
	switch c.Type {
	case domain.BackendContainer, domain.BackendServerless, domain.BackendWebhook:
	default:
		return ErrInvalidCommand
	}
	if strings.TrimSpace(c.Invocation) == "" {
		return ErrInvalidCommand
	}
	if c.Location == "" {
		c.Location = domain.LocationLocal
	}
	if c.TriggerType == "" {
		c.TriggerType = domain.TriggerCommand
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = domain.ModeSequential
	}
	if c.HTTPMethod == "" {
		c.HTTPMethod = "POST"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	c.Active = true
	return nil
}

// pageBounds applies the pagination defaults shared by list endpoints.
func pageBounds(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}

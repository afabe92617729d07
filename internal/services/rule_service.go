// Package services – RuleService
//
// This file implements CRUD for string match rules, the content-pattern
// fallback evaluated when no exact command matches a chat message. Rules
// are validated up front (regex compile check, wildcard shape) so broken
// patterns never reach the matcher's hot path.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

// RuleRepo is the persistence contract required by RuleService.
type RuleRepo interface {
	CreateRule(ctx context.Context, db *gorm.DB, r *domain.StringMatchRule) (*domain.StringMatchRule, error)
	GetRule(ctx context.Context, db *gorm.DB, id string) (*domain.StringMatchRule, error)
	CountRules(ctx context.Context, db *gorm.DB) (int64, error)
	ListRulesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.StringMatchRule, error)
	UpdateRule(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error
	DeleteRule(ctx context.Context, db *gorm.DB, id string) error
}

// RuleService manages the string match rule set.
type RuleService struct {
	DB   *gorm.DB
	Repo RuleRepo
}

// NewRuleService constructs a RuleService.
func NewRuleService(db *gorm.DB, r RuleRepo) *RuleService {
	return &RuleService{DB: db, Repo: r}
}

// Create validates and persists a rule scoped to the given entity keys
// (empty scope applies everywhere).
func (s *RuleService) Create(ctx context.Context, r *domain.StringMatchRule, entityKeys []string) (*domain.StringMatchRule, error) {
	r.EntityKeys = strings.Join(entityKeys, ",")
	if err := validateRule(r); err != nil {
		return nil, err
	}
	r.Active = true
	return s.Repo.CreateRule(ctx, s.DB, r)
}

// Get fetches one rule.
func (s *RuleService) Get(ctx context.Context, id string) (*domain.StringMatchRule, error) {
	r, err := s.Repo.GetRule(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

// List returns a page of rules ordered by priority and the total count.
func (s *RuleService) List(ctx context.Context, page, pageSize int) ([]domain.StringMatchRule, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	total, err := s.Repo.CountRules(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.StringMatchRule{}, 0, nil
	}
	items, err := s.Repo.ListRulesPage(ctx, s.DB, offset, limit)
	return items, total, err
}

// Update applies a partial update. When the pattern or match type changes,
// the merged rule is re-validated before the write.
func (s *RuleService) Update(ctx context.Context, id string, fields map[string]any) error {
	existing, err := s.Repo.GetRule(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRuleNotFound
		}
		return err
	}

	merged := *existing
	if v, ok := fields["pattern"].(string); ok {
		merged.Pattern = v
	}
	if v, ok := fields["match_type"].(string); ok {
		merged.MatchType = v
	}
	if v, ok := fields["action"].(string); ok {
		merged.Action = v
	}
	if err := validateRule(&merged); err != nil {
		return err
	}
	fields["updated_at"] = time.Now().UTC()

	err = s.Repo.UpdateRule(ctx, s.DB, id, fields)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrRuleNotFound
	}
	return err
}

// Delete soft-deletes a rule.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	err := s.Repo.DeleteRule(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrRuleNotFound
	}
	return err
}

// validateRule checks pattern, match type, and action coherence.
func validateRule(r *domain.StringMatchRule) error {
	if strings.TrimSpace(r.Pattern) == "" {
		return ErrInvalidRule
	}
	switch r.MatchType {
	case domain.MatchExact, domain.MatchContains, domain.MatchWord:
	case domain.MatchRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return ErrInvalidRule
		}
	case domain.MatchWildcard:
		if r.Pattern != "*" {
			return ErrInvalidRule
		}
	default:
		return ErrInvalidRule
	}
	switch r.Action {
	case domain.ActionWarn, domain.ActionBlock:
	case domain.ActionCommand, domain.ActionWebhook:
		if strings.TrimSpace(r.ActionArg) == "" {
			return ErrInvalidRule
		}
	default:
		return ErrInvalidRule
	}
	return nil
}

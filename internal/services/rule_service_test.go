package services

import (
	"context"
	"errors"
	"testing"

	"github.com/relaymesh/go-event-router/internal/domain"
)

func TestCreateRule_Validation(t *testing.T) {
	h := newHarness(t, "svc_rule_valid", nil)
	ctx := context.Background()

	cases := []struct {
		name string
		rule domain.StringMatchRule
		ok   bool
	}{
		{"contains warn", domain.StringMatchRule{Pattern: "spam", MatchType: domain.MatchContains, Action: domain.ActionWarn}, true},
		{"regex ok", domain.StringMatchRule{Pattern: `^\d+$`, MatchType: domain.MatchRegex, Action: domain.ActionBlock}, true},
		{"regex broken", domain.StringMatchRule{Pattern: "([", MatchType: domain.MatchRegex, Action: domain.ActionBlock}, false},
		{"wildcard star", domain.StringMatchRule{Pattern: "*", MatchType: domain.MatchWildcard, Action: domain.ActionWarn}, true},
		{"wildcard non-star", domain.StringMatchRule{Pattern: "foo*", MatchType: domain.MatchWildcard, Action: domain.ActionWarn}, false},
		{"empty pattern", domain.StringMatchRule{Pattern: "  ", MatchType: domain.MatchExact, Action: domain.ActionWarn}, false},
		{"unknown match type", domain.StringMatchRule{Pattern: "x", MatchType: "fuzzy", Action: domain.ActionWarn}, false},
		{"command without arg", domain.StringMatchRule{Pattern: "x", MatchType: domain.MatchExact, Action: domain.ActionCommand}, false},
		{"command with arg", domain.StringMatchRule{Pattern: "x", MatchType: domain.MatchExact, Action: domain.ActionCommand, ActionArg: "cmd-1"}, true},
		{"webhook without arg", domain.StringMatchRule{Pattern: "x", MatchType: domain.MatchExact, Action: domain.ActionWebhook}, false},
		{"unknown action", domain.StringMatchRule{Pattern: "x", MatchType: domain.MatchExact, Action: "shrug"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := tc.rule
			out, err := h.rules.Create(ctx, &rule, nil)
			if tc.ok {
				if err != nil {
					t.Fatalf("Create: %v", err)
				}
				if !out.Active {
					t.Fatalf("created rule not active")
				}
				return
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestCreateRule_JoinsEntityScope(t *testing.T) {
	h := newHarness(t, "svc_rule_scope", nil)

	out, err := h.rules.Create(context.Background(), &domain.StringMatchRule{
		Pattern: "spoiler", MatchType: domain.MatchContains, Action: domain.ActionBlock,
	}, []string{"twitch:a:b", "discord:c:d"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if out.EntityKeys != "twitch:a:b,discord:c:d" {
		t.Fatalf("scope csv: %q", out.EntityKeys)
	}
	if !out.AppliesTo("discord:c:d") || out.AppliesTo("twitch:x:y") {
		t.Fatalf("scope membership wrong")
	}
}

func TestGetRule_NotFound(t *testing.T) {
	h := newHarness(t, "svc_rule_404", nil)
	if _, err := h.rules.Get(context.Background(), "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestUpdateRule_RevalidatesMergedRule(t *testing.T) {
	h := newHarness(t, "svc_rule_update", nil)
	ctx := context.Background()

	r, err := h.rules.Create(ctx, &domain.StringMatchRule{
		Pattern: "spam", MatchType: domain.MatchContains, Action: domain.ActionWarn, Priority: 5,
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Switching to regex with the merged pattern intact must re-check it.
	if err := h.rules.Update(ctx, r.ID, map[string]any{"pattern": "([", "match_type": domain.MatchRegex}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	// Changing only the match type re-validates against the stored pattern.
	if err := h.rules.Update(ctx, r.ID, map[string]any{"match_type": domain.MatchWildcard}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule for non-star wildcard, got %v", err)
	}

	if err := h.rules.Update(ctx, r.ID, map[string]any{"priority": 1}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := h.rules.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != 1 {
		t.Fatalf("priority not updated: %d", got.Priority)
	}
	if !got.UpdatedAt.After(r.UpdatedAt) {
		t.Fatalf("updated_at not bumped")
	}

	if err := h.rules.Update(ctx, "missing", map[string]any{"priority": 1}); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestDeleteRule(t *testing.T) {
	h := newHarness(t, "svc_rule_delete", nil)
	ctx := context.Background()

	r, err := h.rules.Create(ctx, &domain.StringMatchRule{
		Pattern: "bye", MatchType: domain.MatchExact, Action: domain.ActionWarn,
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.rules.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.rules.Get(ctx, r.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("deleted rule still readable: %v", err)
	}
	if err := h.rules.Delete(ctx, r.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestListRules_PriorityOrder(t *testing.T) {
	h := newHarness(t, "svc_rule_list", nil)
	ctx := context.Background()

	for _, p := range []int{30, 10, 20} {
		if _, err := h.rules.Create(ctx, &domain.StringMatchRule{
			Pattern: "p", MatchType: domain.MatchContains, Action: domain.ActionWarn, Priority: p,
		}, nil); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	items, total, err := h.rules.List(ctx, 1, 20)
	if err != nil || total != 3 {
		t.Fatalf("List: %d %v", total, err)
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].Priority > items[i].Priority {
			t.Fatalf("rules out of priority order: %d before %d", items[i-1].Priority, items[i].Priority)
		}
	}
}

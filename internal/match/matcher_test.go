package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymesh/go-event-router/internal/cache"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

// fakeSource is an in-memory Source for matcher tests.
type fakeSource struct {
	commands map[string]*domain.Command // keyed prefix|name|location
	byID     map[string]*domain.Command
	eventCmd []domain.Command
	rules    []domain.StringMatchRule

	findCalls int
	err       error
}

func (f *fakeSource) FindActiveCommand(_ context.Context, prefix, name, location string) (*domain.Command, error) {
	f.findCalls++
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.commands[prefix+"|"+name+"|"+location]; ok {
		return c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeSource) GetCommand(_ context.Context, id string) (*domain.Command, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeSource) ListEventCommands(context.Context) ([]domain.Command, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.eventCmd, nil
}

func (f *fakeSource) ListActiveRules(context.Context) ([]domain.StringMatchRule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func newMatcher(src Source) *Matcher {
	return New(src, cache.New[*domain.Command](time.Minute))
}

func chatEvent(text string) domain.Event {
	return domain.Event{
		Platform: "twitch", ServerID: "srv", ChannelID: "chan",
		UserID: "u1", MessageType: domain.MessageTypeChat, Text: text,
	}
}

func TestResolve_LocalSigilCommand(t *testing.T) {
	help := &domain.Command{ID: "c-help", Prefix: "!", Name: "help",
		Location: domain.LocationLocal, TriggerType: domain.TriggerCommand, Active: true}
	src := &fakeSource{commands: map[string]*domain.Command{"!|help|local": help}}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("!help me please"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Commands) != 1 || res.Commands[0].ID != "c-help" {
		t.Fatalf("expected c-help, got %+v", res.Commands)
	}
	if res.Blocked {
		t.Fatalf("unexpected block")
	}
}

func TestResolve_NetworkedSigil(t *testing.T) {
	ask := &domain.Command{ID: "c-ask", Prefix: "?", Name: "ask",
		Location: domain.LocationNetworked, TriggerType: domain.TriggerCommand, Active: true}
	src := &fakeSource{commands: map[string]*domain.Command{"?|ask|networked": ask}}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("?ask what time is it"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Commands) != 1 || res.Commands[0].ID != "c-ask" {
		t.Fatalf("expected c-ask, got %+v", res.Commands)
	}
}

func TestResolve_CommandNameIsCaseInsensitive(t *testing.T) {
	help := &domain.Command{ID: "c-help", Prefix: "!", Name: "help",
		Location: domain.LocationLocal, TriggerType: domain.TriggerCommand, Active: true}
	src := &fakeSource{commands: map[string]*domain.Command{"!|help|local": help}}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("!HeLp"))
	if err != nil || len(res.Commands) != 1 {
		t.Fatalf("mixed-case name should match: %+v %v", res.Commands, err)
	}
}

func TestResolve_UnknownSigilFallsThroughToRules(t *testing.T) {
	src := &fakeSource{
		rules: []domain.StringMatchRule{
			{ID: "r1", Pattern: "hello", MatchType: domain.MatchContains, Action: domain.ActionWebhook, ActionArg: "http://x", Active: true},
		},
	}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("/hello there"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src.findCalls != 0 {
		t.Fatalf("unknown sigil should not hit command lookup, calls=%d", src.findCalls)
	}
	if len(res.RuleHits) != 1 || res.RuleHits[0].ID != "r1" {
		t.Fatalf("expected rule hit, got %+v", res.RuleHits)
	}
}

func TestResolve_MissCachesNegative(t *testing.T) {
	src := &fakeSource{commands: map[string]*domain.Command{}}
	m := newMatcher(src)

	for i := 0; i < 3; i++ {
		res, err := m.Resolve(context.Background(), chatEvent("!nosuch"))
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
		if len(res.Commands) != 0 {
			t.Fatalf("unexpected commands: %+v", res.Commands)
		}
	}
	if src.findCalls != 1 {
		t.Fatalf("negative result should be cached, lookups=%d", src.findCalls)
	}
}

func TestResolve_EventOnlyCommandNeverFiresFromChat(t *testing.T) {
	evOnly := &domain.Command{ID: "c-ev", Prefix: "!", Name: "greet",
		Location: domain.LocationLocal, TriggerType: domain.TriggerEvent, Active: true}
	src := &fakeSource{commands: map[string]*domain.Command{"!|greet|local": evOnly}}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("!greet"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("event-only command fired from chat: %+v", res.Commands)
	}
}

func TestResolve_BlockRuleShortCircuits(t *testing.T) {
	src := &fakeSource{
		rules: []domain.StringMatchRule{
			{ID: "r-block", Pattern: "spoiler", MatchType: domain.MatchContains, Action: domain.ActionBlock, Priority: 1, Active: true},
			{ID: "r-cmd", Pattern: "spoiler", MatchType: domain.MatchContains, Action: domain.ActionCommand, ActionArg: "c1", Priority: 2, Active: true},
		},
		byID: map[string]*domain.Command{"c1": {ID: "c1", Active: true}},
	}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("huge spoiler ahead"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Blocked {
		t.Fatalf("expected block")
	}
	if len(res.Commands) != 0 {
		t.Fatalf("blocked message must trigger no commands: %+v", res.Commands)
	}
	if len(res.RuleHits) != 1 || res.RuleHits[0].ID != "r-block" {
		t.Fatalf("expected only the block hit, got %+v", res.RuleHits)
	}
}

func TestResolve_RuleInvokedCommandsSortedByPriority(t *testing.T) {
	early := time.Now().Add(-time.Hour)
	src := &fakeSource{
		rules: []domain.StringMatchRule{
			{ID: "r1", Pattern: "raid", MatchType: domain.MatchWord, Action: domain.ActionCommand, ActionArg: "c-low", Priority: 1, Active: true},
			{ID: "r2", Pattern: "raid", MatchType: domain.MatchContains, Action: domain.ActionCommand, ActionArg: "c-high", Priority: 2, Active: true},
		},
		byID: map[string]*domain.Command{
			"c-low":  {ID: "c-low", Priority: 50, CreatedAt: early, Active: true},
			"c-high": {ID: "c-high", Priority: 10, CreatedAt: early, Active: true},
		},
	}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("incoming raid now"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %+v", res.Commands)
	}
	if res.Commands[0].ID != "c-high" || res.Commands[1].ID != "c-low" {
		t.Fatalf("commands not in priority order: %s, %s", res.Commands[0].ID, res.Commands[1].ID)
	}
}

func TestResolve_RulePointingAtRemovedCommand(t *testing.T) {
	src := &fakeSource{
		rules: []domain.StringMatchRule{
			{ID: "r1", Pattern: "gone", MatchType: domain.MatchContains, Action: domain.ActionCommand, ActionArg: "missing", Active: true},
		},
		byID: map[string]*domain.Command{},
	}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("its gone now"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("removed command should be skipped: %+v", res.Commands)
	}
	if len(res.RuleHits) != 1 {
		t.Fatalf("the rule itself still fired: %+v", res.RuleHits)
	}
}

func TestResolve_NonChatEventSelectsByTriggerType(t *testing.T) {
	src := &fakeSource{
		eventCmd: []domain.Command{
			{ID: "c-any", TriggerType: domain.TriggerEvent, EventTypes: "", Active: true},
			{ID: "c-join", TriggerType: domain.TriggerEvent, EventTypes: "member_join", Active: true},
			{ID: "c-online", TriggerType: domain.TriggerBoth, EventTypes: "stream_online", Active: true},
		},
	}
	m := newMatcher(src)

	ev := domain.Event{Platform: "discord", ServerID: "s", ChannelID: "c", MessageType: "member_join"}
	res, err := m.Resolve(context.Background(), ev)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	ids := map[string]bool{}
	for _, c := range res.Commands {
		ids[c.ID] = true
	}
	if !ids["c-any"] || !ids["c-join"] || ids["c-online"] {
		t.Fatalf("trigger selection wrong: %+v", ids)
	}
}

func TestResolve_SourceErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	m := newMatcher(&fakeSource{err: boom})

	if _, err := m.Resolve(context.Background(), chatEvent("!help")); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if _, err := m.Resolve(context.Background(), domain.Event{MessageType: "member_join"}); !errors.Is(err, boom) {
		t.Fatalf("expected source error for event path, got %v", err)
	}
}

func TestResolve_EntityScopedRule(t *testing.T) {
	src := &fakeSource{
		rules: []domain.StringMatchRule{
			{ID: "r1", Pattern: "hi", MatchType: domain.MatchWord, Action: domain.ActionWarn,
				EntityKeys: "twitch:other:chan", Active: true},
		},
	}
	m := newMatcher(src)

	res, err := m.Resolve(context.Background(), chatEvent("hi there"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.RuleHits) != 0 {
		t.Fatalf("rule scoped to another entity should not fire: %+v", res.RuleHits)
	}
}

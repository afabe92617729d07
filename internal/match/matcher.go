// Package match resolves inbound events to the handlers they trigger. The
// pipeline has two stages: exact command syntax (a sigil-prefixed first
// token on chat messages), then the string-rule fallback when no command
// resolved. Non-chat events skip prefix parsing entirely and select
// commands by trigger type and event type.
//
// The package is a pure library: it does not log, and all
// persistence access goes through the narrow Source interface so services
// can hand it a cached or transactional view.
package match

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/relaymesh/go-event-router/internal/cache"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

// Sigils introducing the two command locations in chat text. An unknown
// leading sigil falls through to rule matching silently.
const (
	SigilLocal     = "!"
	SigilNetworked = "?"
)

// Source is the authoritative lookup contract behind the matcher's cache.
type Source interface {
	// FindActiveCommand resolves the active command for (prefix, name,
	// location), returning repo.ErrNotFound when absent.
	FindActiveCommand(ctx context.Context, prefix, name, location string) (*domain.Command, error)
	// GetCommand fetches a command by id (for rule-invoked commands).
	GetCommand(ctx context.Context, id string) (*domain.Command, error)
	// ListEventCommands returns active event-triggered commands ordered by
	// (priority, created_at).
	ListEventCommands(ctx context.Context) ([]domain.Command, error)
	// ListActiveRules returns active rules in ascending priority order.
	ListActiveRules(ctx context.Context) ([]domain.StringMatchRule, error)
}

// Result is the outcome of matching one event.
//
// Commands is ordered by (priority, created_at) and includes both
// syntax-matched and rule-invoked commands. RuleHits holds every rule that
// fired, in evaluation order. Blocked is set when an exclusive block rule
// short-circuited; no commands are returned in that case.
type Result struct {
	Commands []domain.Command
	RuleHits []domain.StringMatchRule
	Blocked  bool
}

// Matcher implements the two-stage matching pipeline over a Source with a
// TTL command cache in front of it.
type Matcher struct {
	src Source

	cmds  *cache.Cache[*domain.Command]
	rules *rules
}

// New constructs a Matcher. cmdCache may be shared with other components;
// pass a fresh cache otherwise.
func New(src Source, cmdCache *cache.Cache[*domain.Command]) *Matcher {
	return &Matcher{
		src:   src,
		cmds:  cmdCache,
		rules: newRules(),
	}
}

// Resolve returns the handlers triggered by ev, possibly none.
func (m *Matcher) Resolve(ctx context.Context, ev domain.Event) (Result, error) {
	if !ev.IsChat() {
		return m.resolveEvent(ctx, ev)
	}
	return m.resolveChat(ctx, ev)
}

// resolveEvent selects commands purely by trigger type and event type.
func (m *Matcher) resolveEvent(ctx context.Context, ev domain.Event) (Result, error) {
	all, err := m.src.ListEventCommands(ctx)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for i := range all {
		if all[i].HandlesEvent(ev.MessageType) {
			res.Commands = append(res.Commands, all[i])
		}
	}
	return res, nil
}

// resolveChat parses the leading token for a command sigil, then falls back
// to the string-rule engine when no command resolved.
func (m *Matcher) resolveChat(ctx context.Context, ev domain.Event) (Result, error) {
	if cmd, err := m.resolveSyntax(ctx, ev.Text); err != nil {
		return Result{}, err
	} else if cmd != nil {
		return Result{Commands: []domain.Command{*cmd}}, nil
	}

	active, err := m.src.ListActiveRules(ctx)
	if err != nil {
		return Result{}, err
	}
	hits, blocked := m.rules.eval(active, ev.EntityKey(), ev.Text)

	res := Result{RuleHits: hits, Blocked: blocked}
	if blocked {
		return res, nil
	}

	// Rule-invoked commands accumulate and run in priority order.
	for _, h := range hits {
		if h.Action != domain.ActionCommand || h.ActionArg == "" {
			continue
		}
		cmd, err := m.commandByID(ctx, h.ActionArg)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue // rule points at a removed command
			}
			return Result{}, err
		}
		if cmd != nil && cmd.Active {
			res.Commands = append(res.Commands, *cmd)
		}
	}
	sortCommands(res.Commands)
	return res, nil
}

// resolveSyntax maps a leading sigil token to an active command, or nil when
// the text carries no recognizable command syntax.
func (m *Matcher) resolveSyntax(ctx context.Context, text string) (*domain.Command, error) {
	tok := firstToken(text)
	if len(tok) < 2 {
		return nil, nil
	}
	var location string
	switch string(tok[0]) {
	case SigilLocal:
		location = domain.LocationLocal
	case SigilNetworked:
		location = domain.LocationNetworked
	default:
		return nil, nil // unknown sigil: silent fall-through
	}
	prefix, name := string(tok[0]), strings.ToLower(tok[1:])

	key := "cmd|" + prefix + "|" + name + "|" + location
	cmd, err := m.cmds.GetOrFill(ctx, key, func(ctx context.Context) (*domain.Command, error) {
		c, err := m.src.FindActiveCommand(ctx, prefix, name, location)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil // cache the miss
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	if cmd == nil || cmd.TriggerType == domain.TriggerEvent {
		// Event-only commands never fire from chat syntax.
		return nil, nil
	}
	return cmd, nil
}

// commandByID resolves a command id through the same cache as syntax lookups.
func (m *Matcher) commandByID(ctx context.Context, id string) (*domain.Command, error) {
	return m.cmds.GetOrFill(ctx, "cmdid|"+id, func(ctx context.Context) (*domain.Command, error) {
		c, err := m.src.GetCommand(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return c, err
	})
}

// firstToken returns the first whitespace-delimited token of text.
func firstToken(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// sortCommands orders by (priority, created_at), the dispatch order used by
// the execution engine.
func sortCommands(cmds []domain.Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Priority != cmds[j].Priority {
			return cmds[i].Priority < cmds[j].Priority
		}
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
}

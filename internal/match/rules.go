// String-rule evaluation for the fallback matching stage.
//
// Rules arrive pre-sorted in ascending priority. Each rule's match type is
// tested exactly as configured; the first exclusive hit (block or warn)
// stops evaluation, while command and webhook actions accumulate across
// all remaining rules.
package match

import (
	"regexp"
	"strings"
	"sync"

	"github.com/relaymesh/go-event-router/internal/domain"
)

// rules evaluates StringMatchRules with a compiled-pattern cache. Regex and
// word-boundary patterns compile once per pattern string; broken patterns
// are remembered so they are not recompiled on every message.
type rules struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	broken   map[string]struct{}
}

func newRules() *rules {
	return &rules{
		compiled: make(map[string]*regexp.Regexp),
		broken:   make(map[string]struct{}),
	}
}

// eval tests text against every applicable rule in order. It returns the
// rules that fired and whether an exclusive rule short-circuited.
func (r *rules) eval(active []domain.StringMatchRule, entityKey, text string) ([]domain.StringMatchRule, bool) {
	var hits []domain.StringMatchRule
	for i := range active {
		rule := &active[i]
		if !rule.AppliesTo(entityKey) {
			continue
		}
		if !r.matches(rule, text) {
			continue
		}
		hits = append(hits, *rule)
		if rule.Exclusive() {
			return hits, rule.Action == domain.ActionBlock || rule.Action == domain.ActionWarn
		}
	}
	return hits, false
}

// matches applies one rule's match type to text.
func (r *rules) matches(rule *domain.StringMatchRule, text string) bool {
	pattern := rule.Pattern
	subject := text
	if !rule.CaseSensitive {
		pattern = strings.ToLower(pattern)
		subject = strings.ToLower(subject)
	}

	switch rule.MatchType {
	case domain.MatchExact:
		return subject == pattern
	case domain.MatchContains:
		return strings.Contains(subject, pattern)
	case domain.MatchWord:
		re := r.compile(`\b` + regexp.QuoteMeta(pattern) + `\b`)
		return re != nil && re.MatchString(subject)
	case domain.MatchRegex:
		re := r.compile(pattern)
		return re != nil && re.MatchString(subject)
	case domain.MatchWildcard:
		// The only wildcard pattern is the literal catch-all.
		return rule.Pattern == "*"
	default:
		return false
	}
}

// compile returns the cached regexp for expr, or nil when expr is invalid.
func (r *rules) compile(expr string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()

	if re, ok := r.compiled[expr]; ok {
		return re
	}
	if _, ok := r.broken[expr]; ok {
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		r.broken[expr] = struct{}{}
		return nil
	}
	r.compiled[expr] = re
	return re
}

package rewrite

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// ruleSet is an immutable generation of compiled rules.
type ruleSet struct {
	rules   []compiledRule
	enabled int
}

// Match describes the rule item that supplied a replacement body.
type Match struct {
	Rule      string
	RuleIndex int
	ItemIndex int
	Body      []byte
}

// Engine applies response rewrite rules. The active rule set is swapped as a
// whole, so concurrent readers see either the previous or the new generation.
type Engine struct {
	log zerolog.Logger
	mu  sync.Mutex // serializes writers
	set atomic.Pointer[ruleSet]
}

// NewEngine returns an Engine with an empty rule set.
func NewEngine(log zerolog.Logger) *Engine {
	e := &Engine{log: log.With().Str("component", "rewrite").Logger()}
	e.set.Store(&ruleSet{})
	return e
}

// compile anchors every URL pattern so that it must match the entire URL.
func compile(rules []Rule) (*ruleSet, error) {
	set := &ruleSet{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile("^(?:" + r.URL + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): compiling url pattern: %w", ErrInvalidRules, i, r.Name, err)
		}
		set.rules = append(set.rules, compiledRule{Rule: r.clone(), re: re})
		if r.Enabled {
			set.enabled++
		}
	}
	return set, nil
}

// Load parses and compiles payload and makes it the active rule set. On any
// error the previously active set stays in effect.
func (e *Engine) Load(payload []byte) error {
	rules, err := ParseRules(payload)
	if err != nil {
		return err
	}
	return e.Replace(rules)
}

// LoadFile reads a rule set payload from path and loads it.
func (e *Engine) LoadFile(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rule file: %w", err)
	} else if err := e.Load(payload); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Replace compiles rules and swaps them in as the active set.
func (e *Engine) Replace(rules []Rule) error {
	set, err := compile(rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.set.Store(set)
	e.mu.Unlock()

	e.log.Info().Int("rules", len(set.rules)).Int("enabled", set.enabled).Msg("rule set loaded")
	return nil
}

// SetEnabled toggles every rule named name by publishing a new rule set.
// Returns false when no rule has that name.
func (e *Engine) SetEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.set.Load()
	next := &ruleSet{rules: make([]compiledRule, len(cur.rules))}
	var found bool
	for i, r := range cur.rules {
		next.rules[i] = compiledRule{Rule: r.Rule.clone(), re: r.re}
		if r.Name == name {
			next.rules[i].Enabled = enabled
			found = true
		}
		if next.rules[i].Enabled {
			next.enabled++
		}
	}
	if !found {
		return false
	}
	e.set.Store(next)
	return true
}

// Rules returns a copy of the active rules in evaluation order.
func (e *Engine) Rules() []Rule {
	set := e.set.Load()
	rules := make([]Rule, len(set.rules))
	for i, r := range set.rules {
		rules[i] = r.Rule.clone()
	}
	return rules
}

// Len returns the number of active rules.
func (e *Engine) Len() int {
	return len(e.set.Load().rules)
}

// EnabledCount returns the number of enabled rules.
func (e *Engine) EnabledCount() int {
	return e.set.Load().enabled
}

// Match finds the first enabled rule whose pattern matches url in full and
// that has an enabled body replacement item.
func (e *Engine) Match(url string) (Match, bool) {
	set := e.set.Load()
	if set.enabled == 0 {
		return Match{}, false
	}

	for ri, r := range set.rules {
		if !r.Enabled || !r.re.MatchString(url) {
			continue
		}
		for ii, item := range r.Items {
			if !item.Enabled || item.Type != ItemReplaceResponseBody {
				continue
			}
			if body, ok := item.Body(); ok {
				return Match{Rule: r.Name, RuleIndex: ri, ItemIndex: ii, Body: []byte(body)}, true
			}
		}
	}
	return Match{}, false
}

// Rewrite returns the replacement body for url, or body unchanged. The
// boolean reports whether a rule replaced it.
func (e *Engine) Rewrite(url string, body []byte) ([]byte, bool) {
	m, ok := e.Match(url)
	if !ok {
		return body, false
	}
	e.log.Debug().Str("url", url).Str("rule", m.Rule).Int("length", len(m.Body)).Msg("response body replaced")
	return m.Body, true
}

// RewriteResponse returns the possibly replaced response body for url.
func (e *Engine) RewriteResponse(url string, body []byte) []byte {
	out, _ := e.Rewrite(url, body)
	return out
}

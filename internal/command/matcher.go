package command

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxcmd/internal/transcript"
)

// Matcher defaults.
const (
	DefaultCooldown          = 2 * time.Second
	DefaultWordMatchFraction = 0.6
)

// MatcherConfig tunes keyword matching.
type MatcherConfig struct {
	// Cooldown is the minimum time between two triggers of one keyword.
	Cooldown time.Duration

	// Fuzzy enables word-overlap and one-edit matching in addition to
	// verbatim containment.
	Fuzzy bool

	// WordMatchFraction is the share of a keyword's words that must appear
	// in the text for a fuzzy match. Default: 0.6.
	WordMatchFraction float64
}

// DefaultMatcherConfig returns the defaults used when no config is given.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{Cooldown: DefaultCooldown, WordMatchFraction: DefaultWordMatchFraction}
}

// Match is the result of a successful keyword lookup.
type Match struct {
	Group   Group
	Keyword string
	Method  Method
}

// Matcher finds the first matching keyword and owns the cooldown state.
// It is safe for concurrent use.
type Matcher struct {
	registry *Registry
	now      func() time.Time

	mu   sync.Mutex
	cfg  MatcherConfig
	last map[string]time.Time
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithMatcherClock replaces time.Now.
func WithMatcherClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

// NewMatcher returns a Matcher over registry.
func NewMatcher(registry *Registry, cfg MatcherConfig, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		registry: registry,
		now:      time.Now,
		cfg:      withMatcherDefaults(cfg),
		last:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func withMatcherDefaults(cfg MatcherConfig) MatcherConfig {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.WordMatchFraction <= 0 || cfg.WordMatchFraction > 1 {
		cfg.WordMatchFraction = DefaultWordMatchFraction
	}
	return cfg
}

// Registry returns the registry the matcher reads from.
func (m *Matcher) Registry() *Registry { return m.registry }

// SetConfig replaces the matching options. Cooldown history is kept.
func (m *Matcher) SetConfig(cfg MatcherConfig) {
	m.mu.Lock()
	m.cfg = withMatcherDefaults(cfg)
	m.mu.Unlock()
}

// Config returns the current options.
func (m *Matcher) Config() MatcherConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Find returns the first group/keyword matching text without touching the
// cooldown. text is normalized first.
func (m *Matcher) Find(text string) (Match, bool) {
	text = transcript.Normalize(text)
	if text == "" {
		return Match{}, false
	}
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	words := strings.Fields(text)
	for _, g := range m.registry.Groups() {
		for _, kw := range g.Keywords {
			if method, ok := matchKeyword(text, words, kw, cfg); ok {
				return Match{Group: g, Keyword: kw, Method: method}, true
			}
		}
	}
	return Match{}, false
}

// Allow applies the cooldown for keyword at the current time. It records the
// trigger and returns true unless the keyword fired less than Cooldown ago.
// Suppressed triggers do not move the timestamp.
func (m *Matcher) Allow(keyword string) bool {
	_, ok := m.allow(keyword)
	return ok
}

// allow is Allow that also reports the time the check was made at.
func (m *Matcher) allow(keyword string) (time.Time, bool) {
	key := transcript.Normalize(keyword)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.last[key]; ok && now.Sub(last) < m.cfg.Cooldown {
		return now, false
	}
	m.last[key] = now
	return now, true
}

// ResetCooldowns forgets every trigger time.
func (m *Matcher) ResetCooldowns() {
	m.mu.Lock()
	clear(m.last)
	m.mu.Unlock()
}

// matchKeyword applies the containment, word-fraction and edit rules.
func matchKeyword(text string, words []string, kw string, cfg MatcherConfig) (Method, bool) {
	if strings.Contains(text, kw) {
		return MethodContains, true
	}
	if !cfg.Fuzzy {
		return "", false
	}

	kwWords := strings.Fields(kw)
	need := int(math.Ceil(float64(len(kwWords)) * cfg.WordMatchFraction))
	if need < 1 {
		need = 1
	}
	found := 0
	for _, k := range kwWords {
		for _, w := range words {
			if w == k {
				found++
				break
			}
		}
	}
	if found >= need {
		return MethodWords, true
	}

	if len(kwWords) == 1 {
		for _, w := range words {
			if transcript.Levenshtein(w, kw) <= 1 {
				return MethodEdit, true
			}
		}
	}
	return "", false
}

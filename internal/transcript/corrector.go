package transcript

import (
	"strings"
	"sync"

	"github.com/MrWong99/voxcmd/internal/transcript/phonetic"
)

// Correction captures a single substitution made by a [Corrector].
type Correction struct {
	// Original is the word or phrase as produced by the STT provider.
	Original string

	// Corrected is the keyword that replaced it.
	Corrected string

	// Confidence is the similarity score of the substitution (0.0–1.0).
	Confidence float64
}

// KeywordMatcher resolves a word or phrase to the most similar keyword.
// *phonetic.Matcher implements it.
type KeywordMatcher interface {
	Match(word string, keywords []string) (corrected string, confidence float64, matched bool)
}

// Corrector rewrites misheard spans of a transcript into known command
// keywords, e.g. "stat recording" into "start recording".
type Corrector struct {
	matcher KeywordMatcher

	mu       sync.RWMutex
	keywords []string
	prepared *phonetic.Prepared
	maxWords int
}

// NewCorrector returns a Corrector backed by m.
func NewCorrector(m KeywordMatcher) *Corrector {
	return &Corrector{matcher: m}
}

// SetKeywords replaces the keyword vocabulary.
func (c *Corrector) SetKeywords(keywords []string) {
	kws := append([]string(nil), keywords...)
	var prepared *phonetic.Prepared
	if _, ok := c.matcher.(*phonetic.Matcher); ok {
		prepared = phonetic.Prepare(kws)
	}
	c.mu.Lock()
	c.keywords = kws
	c.prepared = prepared
	c.maxWords = maxWordCount(kws)
	c.mu.Unlock()
}

// Correct returns text with matched spans replaced and the list of
// substitutions. Spans already equal to a keyword are left alone and not
// reported.
//
// At each token position n-gram windows are tried from the longest keyword
// length down to one word, so multi-word keywords take precedence over
// partial single-word matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(c.keywords) == 0 {
		return text, nil
	}

	match := func(window string) (string, float64, bool) {
		return c.matcher.Match(window, c.keywords)
	}
	if pm, ok := c.matcher.(*phonetic.Matcher); ok && c.prepared != nil {
		match = func(window string) (string, float64, bool) {
			return pm.MatchPrepared(window, c.prepared)
		}
	}

	var (
		output      []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		maxN := min(c.maxWords, len(tokens)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			keyword, conf, ok := match(window)
			if !ok {
				continue
			}
			output = append(output, strings.Fields(keyword)...)
			if keyword != window {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  keyword,
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any keyword. Returns 1 when keywords is empty.
func maxWordCount(keywords []string) int {
	n := 1
	for _, k := range keywords {
		n = max(n, len(strings.Fields(k)))
	}
	return n
}

// Package phonetic matches misheard words against a vocabulary of command
// keywords using Double Metaphone phonetic encoding combined with
// Jaro-Winkler string similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each keyword. If any code from the input
//     overlaps with any code from a keyword, the keyword becomes a phonetic
//     candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity (case-insensitive) is selected,
//     provided its score reaches the phonetic threshold. When no phonetic
//     candidate qualifies, a secondary pass accepts pure Jaro-Winkler
//     similarity above a higher fuzzy threshold (default 0.85).
//
// Scores compare whole phrases, with and without spaces, so a shared word
// like "recording" cannot make "stop recording" and "start recording" tie.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic keyword matcher. It is read-only after construction
// and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Prepared holds precomputed phonetic data for a keyword list. Build it once
// with [Prepare] when the same vocabulary is matched repeatedly.
type Prepared struct {
	entries []preparedKeyword
}

type preparedKeyword struct {
	original string
	lower    string
	concat   string
	codes    map[string]struct{}
}

// Prepare precomputes codes for keywords. Blank keywords are skipped.
func Prepare(keywords []string) *Prepared {
	p := &Prepared{entries: make([]preparedKeyword, 0, len(keywords))}
	for _, kw := range keywords {
		lower := strings.ToLower(strings.TrimSpace(kw))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		p.entries = append(p.entries, preparedKeyword{
			original: kw,
			lower:    lower,
			concat:   strings.Join(tokens, ""),
			codes:    codesForTokens(tokens),
		})
	}
	return p
}

// Len returns the number of prepared keywords.
func (p *Prepared) Len() int { return len(p.entries) }

// Match finds the keyword most similar to word, which may be a single word
// or a phrase. When matched is false, corrected equals word and confidence
// is 0.
func (m *Matcher) Match(word string, keywords []string) (corrected string, confidence float64, matched bool) {
	if len(keywords) == 0 {
		return word, 0, false
	}
	return m.MatchPrepared(word, Prepare(keywords))
}

// MatchPrepared is [Matcher.Match] against a prepared keyword list.
func (m *Matcher) MatchPrepared(word string, p *Prepared) (corrected string, confidence float64, matched bool) {
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if p == nil || len(p.entries) == 0 || wordLower == "" {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)
	inputConcat := strings.Join(wordTokens, "")

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, kw := range p.entries {
		score := phraseScore(wordLower, inputConcat, kw.lower, kw.concat)
		if codesOverlap(inputCodes, kw.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = kw.original, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = kw.original, score
		}
	}

	if best != "" {
		return best, bestScore, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// phraseScore is the higher of the Jaro-Winkler similarity of the full
// phrases and of the phrases with spaces removed ("start recording" vs
// "startrecording").
func phraseScore(inputFull, inputConcat, keywordFull, keywordConcat string) float64 {
	score := matchr.JaroWinkler(inputFull, keywordFull, false)
	if inputConcat != inputFull || keywordConcat != keywordFull {
		if s := matchr.JaroWinkler(inputConcat, keywordConcat, false); s > score {
			score = s
		}
	}
	return score
}

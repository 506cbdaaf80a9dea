// Package transcript turns raw speech-to-text output into clean command
// candidates for the matcher.
//
// A [Processor] normalises each final transcript, rejects common Whisper
// hallucinations and fragments too short to be a command, optionally snaps
// misheard words onto known command keywords with a [Corrector], and drops
// near-duplicates of recent transcripts. Overlapping audio chunks regularly
// produce the same utterance twice, so deduplication is what keeps a single
// spoken command from firing twice.
//
// All types in this package are safe for concurrent use.
package transcript

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// Reason explains why a transcript was rejected.
type Reason string

// Rejection reasons. The zero value means the transcript was accepted.
const (
	ReasonEmpty         Reason = "empty"
	ReasonHallucination Reason = "hallucination"
	ReasonTooShort      Reason = "too_short"
	ReasonDuplicate     Reason = "duplicate"
)

// DefaultHallucinations are phrases Whisper-family models emit for silence
// or noise.
var DefaultHallucinations = []string{
	"thanks for watching",
	"thank you for watching",
	"please subscribe",
	"like and subscribe",
	"don't forget to subscribe",
	"bye",
	"goodbye",
	"thank you",
	"you",
	"[blank_audio]",
	"music",
	"[music]",
}

// Config tunes a [Processor].
type Config struct {
	// SimilarityThreshold above which two transcripts count as duplicates.
	SimilarityThreshold float64

	// DedupWindow is how far back duplicates are searched.
	DedupWindow time.Duration

	// Retention is how long accepted transcripts are remembered at all.
	Retention time.Duration

	// FilterHallucinations enables the hallucination and minimum length
	// checks.
	FilterHallucinations bool

	// MinLength is the shortest accepted text in runes, unless it contains
	// a command keyword.
	MinLength int

	// Hallucinations replaces DefaultHallucinations when non-nil.
	Hallucinations []string
}

// DefaultConfig returns the standard processor settings.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:  0.9,
		DedupWindow:          3 * time.Second,
		Retention:            10 * time.Second,
		FilterHallucinations: true,
		MinLength:            3,
	}
}

// Result is the outcome of [Processor.Process].
type Result struct {
	// Transcript is the input as received from the STT backend.
	Transcript stt.Transcript

	// Text is the normalised, possibly corrected text.
	Text string

	// Reason is empty for accepted transcripts.
	Reason Reason

	// Corrections lists the keyword substitutions applied to Text.
	Corrections []Correction
}

// Accepted reports whether the transcript should go on to command matching.
func (r Result) Accepted() bool { return r.Reason == "" }

type entry struct {
	text string
	at   time.Time
}

// Option configures a [Processor].
type Option func(*Processor)

// WithCorrector enables keyword correction.
func WithCorrector(c *Corrector) Option {
	return func(p *Processor) { p.corrector = c }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor filters and deduplicates final transcripts.
type Processor struct {
	corrector *Corrector
	now       func() time.Time

	mu             sync.Mutex
	cfg            Config
	hallucinations []string
	keywords       []string
	recent         []entry
}

// NewProcessor returns a Processor using cfg. Zero-valued numeric fields fall
// back to [DefaultConfig].
func NewProcessor(cfg Config, opts ...Option) *Processor {
	p := &Processor{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	p.SetConfig(cfg)
	return p
}

// SetConfig replaces the processor settings. Recent history is kept.
func (p *Processor) SetConfig(cfg Config) {
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.Retention < cfg.DedupWindow {
		cfg.Retention = max(def.Retention, cfg.DedupWindow)
	}
	if cfg.MinLength < 0 {
		cfg.MinLength = 0
	}
	src := cfg.Hallucinations
	if src == nil {
		src = DefaultHallucinations
	}
	hs := make([]string, 0, len(src))
	for _, h := range src {
		if n := Normalize(h); n != "" {
			hs = append(hs, n)
		}
	}

	p.mu.Lock()
	p.cfg = cfg
	p.hallucinations = hs
	p.mu.Unlock()
}

// SetKeywords replaces the command keywords used by the minimum length
// exemption and by the corrector.
func (p *Processor) SetKeywords(keywords []string) {
	norm := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if n := Normalize(kw); n != "" {
			norm = append(norm, n)
		}
	}
	p.mu.Lock()
	p.keywords = norm
	p.mu.Unlock()
	if p.corrector != nil {
		p.corrector.SetKeywords(norm)
	}
}

// Process normalises t and decides whether it is a new command candidate.
// Accepted transcripts are remembered for deduplication.
func (p *Processor) Process(t stt.Transcript) Result {
	res := Result{Transcript: t, Text: Normalize(t.Text)}
	if res.Text == "" {
		res.Reason = ReasonEmpty
		return res
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.FilterHallucinations {
		if p.isHallucination(res.Text) {
			res.Reason = ReasonHallucination
			return res
		}
		if len([]rune(res.Text)) < p.cfg.MinLength && !p.containsKeyword(res.Text) {
			res.Reason = ReasonTooShort
			return res
		}
	}

	if p.corrector != nil {
		res.Text, res.Corrections = p.corrector.Correct(res.Text)
	}

	now := p.now()
	if p.isDuplicate(res.Text, now) {
		res.Reason = ReasonDuplicate
		return res
	}
	p.recent = append(p.recent, entry{text: res.Text, at: now})
	p.prune(now)
	return res
}

// Reset forgets all remembered transcripts.
func (p *Processor) Reset() {
	p.mu.Lock()
	p.recent = nil
	p.mu.Unlock()
}

// isHallucination matches text against the set exactly, or as a leading or
// trailing whole-word phrase.
func (p *Processor) isHallucination(text string) bool {
	for _, h := range p.hallucinations {
		if text == h || strings.HasPrefix(text, h+" ") || strings.HasSuffix(text, " "+h) {
			return true
		}
	}
	return false
}

func (p *Processor) containsKeyword(text string) bool {
	for _, kw := range p.keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (p *Processor) isDuplicate(text string, now time.Time) bool {
	for _, e := range p.recent {
		if now.Sub(e.at) >= p.cfg.DedupWindow {
			continue
		}
		if e.text == text || Similarity(text, e.text) > p.cfg.SimilarityThreshold {
			return true
		}
	}
	return false
}

func (p *Processor) prune(now time.Time) {
	keep := p.recent[:0]
	for _, e := range p.recent {
		if now.Sub(e.at) <= p.cfg.Retention {
			keep = append(keep, e)
		}
	}
	clear(p.recent[len(keep):])
	p.recent = keep
}

// Normalize lowercases s, removes apostrophes, turns other punctuation and
// symbols into spaces, collapses whitespace and trims. Square brackets are
// kept so tags like "[music]" survive.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			continue
		case r == '[' || r == ']' || r == '_':
			b.WriteRune(r)
			space = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

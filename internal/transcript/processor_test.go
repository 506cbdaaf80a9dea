package transcript_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxcmd/internal/transcript"
	"github.com/MrWong99/voxcmd/internal/transcript/phonetic"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newProcessor(t *testing.T, cfg transcript.Config, opts ...transcript.Option) (*transcript.Processor, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts = append(opts, transcript.WithClock(clk.Now))
	return transcript.NewProcessor(cfg, opts...), clk
}

func final(text string) stt.Transcript {
	return stt.Transcript{Text: text, IsFinal: true}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Start   Recording! ", "start recording"},
		{"Don't forget to subscribe.", "dont forget to subscribe"},
		{"...", ""},
		{"[BLANK_AUDIO]", "[blank_audio]"},
		{"Lights-on, please", "lights on please"},
		{"Über\tcool\n", "über cool"},
	}
	for _, tc := range tests {
		if got := transcript.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProcessor_Rejections(t *testing.T) {
	tests := []struct {
		name string
		text string
		want transcript.Reason
	}{
		{"empty", "   ", transcript.ReasonEmpty},
		{"punctuation only", "...", transcript.ReasonEmpty},
		{"exact hallucination", "Thank you.", transcript.ReasonHallucination},
		{"prefix hallucination", "thanks for watching everyone", transcript.ReasonHallucination},
		{"suffix hallucination", "see you next time bye", transcript.ReasonHallucination},
		{"blank audio tag", "[BLANK_AUDIO]", transcript.ReasonHallucination},
		{"too short", "ok", transcript.ReasonTooShort},
		{"word containing hallucination is fine", "youtube recording", ""},
		{"accepted", "start recording", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newProcessor(t, transcript.DefaultConfig())
			res := p.Process(final(tc.text))
			if res.Reason != tc.want {
				t.Errorf("Process(%q).Reason = %q, want %q", tc.text, res.Reason, tc.want)
			}
		})
	}
}

func TestProcessor_ShortKeywordExempt(t *testing.T) {
	p, _ := newProcessor(t, transcript.DefaultConfig())
	p.SetKeywords([]string{"Go"})
	res := p.Process(final("go"))
	if !res.Accepted() {
		t.Fatalf("short text containing a keyword should pass, got %q", res.Reason)
	}
}

func TestProcessor_FilterDisabled(t *testing.T) {
	cfg := transcript.DefaultConfig()
	cfg.FilterHallucinations = false
	p, _ := newProcessor(t, cfg)
	if res := p.Process(final("thank you")); !res.Accepted() {
		t.Errorf("filter disabled, got %q", res.Reason)
	}
	if res := p.Process(final("ok")); !res.Accepted() {
		t.Errorf("filter disabled, got %q", res.Reason)
	}
}

func TestProcessor_Dedup(t *testing.T) {
	p, clk := newProcessor(t, transcript.DefaultConfig())

	if res := p.Process(final("Start recording")); !res.Accepted() {
		t.Fatalf("first transcript rejected: %q", res.Reason)
	}
	clk.Advance(500 * time.Millisecond)
	if res := p.Process(final("start recording.")); res.Reason != transcript.ReasonDuplicate {
		t.Fatalf("exact repeat: Reason = %q, want duplicate", res.Reason)
	}
	clk.Advance(500 * time.Millisecond)
	// One edit in 16 runes: similarity 0.9375 > 0.9.
	if res := p.Process(final("start recordings")); res.Reason != transcript.ReasonDuplicate {
		t.Fatalf("near repeat: Reason = %q, want duplicate", res.Reason)
	}
	if res := p.Process(final("stop recording")); !res.Accepted() {
		t.Fatalf("different command rejected: %q", res.Reason)
	}

	clk.Advance(3 * time.Second)
	if res := p.Process(final("start recording")); !res.Accepted() {
		t.Fatalf("repeat after window rejected: %q", res.Reason)
	}
}

func TestProcessor_RejectedNotRemembered(t *testing.T) {
	p, _ := newProcessor(t, transcript.DefaultConfig())
	_ = p.Process(final("thank you"))
	cfg := transcript.DefaultConfig()
	cfg.FilterHallucinations = false
	p.SetConfig(cfg)
	if res := p.Process(final("thank you")); !res.Accepted() {
		t.Errorf("filtered transcript must not count for dedup, got %q", res.Reason)
	}
}

func TestProcessor_Reset(t *testing.T) {
	p, _ := newProcessor(t, transcript.DefaultConfig())
	_ = p.Process(final("next slide"))
	p.Reset()
	if res := p.Process(final("next slide")); !res.Accepted() {
		t.Errorf("after Reset: Reason = %q", res.Reason)
	}
}

func TestProcessor_CustomHallucinations(t *testing.T) {
	cfg := transcript.DefaultConfig()
	cfg.Hallucinations = []string{"subtitles by"}
	p, _ := newProcessor(t, cfg)
	if res := p.Process(final("Subtitles by the community")); res.Reason != transcript.ReasonHallucination {
		t.Errorf("Reason = %q, want hallucination", res.Reason)
	}
	if res := p.Process(final("thank you")); !res.Accepted() {
		t.Errorf("defaults should be replaced, got %q", res.Reason)
	}
}

func TestProcessor_WithCorrector(t *testing.T) {
	c := transcript.NewCorrector(phonetic.New())
	p, _ := newProcessor(t, transcript.DefaultConfig(), transcript.WithCorrector(c))
	p.SetKeywords([]string{"start recording", "stop recording"})

	res := p.Process(final("please stat recording now"))
	if !res.Accepted() {
		t.Fatalf("rejected: %q", res.Reason)
	}
	if res.Text != "please start recording now" {
		t.Errorf("Text = %q, want corrected", res.Text)
	}
	if len(res.Corrections) != 1 || res.Corrections[0].Original != "stat recording" {
		t.Errorf("Corrections = %+v", res.Corrections)
	}
}

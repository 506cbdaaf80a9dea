// Package intent maps utterances that matched no keyword to a registered
// command group with a language model.
//
// The [Classifier] sends the transcript and the group list to an
// [llm.Provider] and expects a JSON reply naming one group (or "none") with
// a confidence. Replies below the minimum confidence, unparseable replies and
// unknown names all count as no match. Calls go through a circuit breaker so
// a failing backend costs nothing once it has tripped.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/resilience"
	"github.com/MrWong99/voxcmd/pkg/provider/llm"
)

const (
	// DefaultMinConfidence is the lowest confidence accepted.
	DefaultMinConfidence = 0.6

	// DefaultTimeout bounds one classification call.
	DefaultTimeout = 4 * time.Second

	defaultTemperature = 0.0
	defaultMaxTokens   = 64
)

const systemPromptTemplate = `You map short spoken utterances to voice commands.

Available commands:
%s
Pick the single command the speaker most likely meant. If none fits, answer "none".
Do not guess: ordinary conversation that is not an instruction is "none".

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"group": "<command name or none>", "confidence": <0.0-1.0>}`

var _ command.IntentClassifier = (*Classifier)(nil)

type reply struct {
	Group      string  `json:"group"`
	Confidence float64 `json:"confidence"`
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithMinConfidence sets the acceptance threshold. Default: 0.6.
func WithMinConfidence(v float64) Option {
	return func(c *Classifier) { c.minConfidence = v }
}

// WithTimeout bounds each call. Default: 4s.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Classifier) { c.breaker = cb }
}

// WithMetrics records call latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// Classifier implements [command.IntentClassifier]. Safe for concurrent use.
type Classifier struct {
	llm           llm.Provider
	name          string
	breaker       *resilience.CircuitBreaker
	minConfidence float64
	timeout       time.Duration
	metrics       *observe.Metrics
}

// New returns a Classifier backed by provider. name labels the breaker and
// metrics, e.g. "openai".
func New(provider llm.Provider, name string, opts ...Option) *Classifier {
	c := &Classifier{
		llm:           provider,
		name:          name,
		minConfidence: DefaultMinConfidence,
		timeout:       DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		cfg := resilience.CircuitBreakerConfig{
			Name:         "intent-" + name,
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		}
		if m := c.metrics; m != nil {
			cfg.OnStateChange = func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			}
		}
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
	return c
}

// Breaker exposes the breaker for status reporting.
func (c *Classifier) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Classify asks the model which of groups text refers to. It returns an
// empty name when the model declines, the reply is unusable or the
// confidence is too low. Transport failures and an open breaker are errors.
func (c *Classifier) Classify(ctx context.Context, text string, groups []command.Group) (string, float64, error) {
	if len(groups) == 0 || strings.TrimSpace(text) == "" {
		return "", 0, nil
	}

	ctx, span := observe.StartSpan(ctx, "intent.classify")
	defer span.End()

	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(groups),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
		JSON:         true,
	}

	var resp *llm.CompletionResponse
	start := time.Now()
	err := c.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		resp, err = c.llm.Complete(callCtx, req)
		return err
	})
	if c.metrics != nil {
		c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordProviderError(ctx, c.name, "intent")
		}
		if errors.Is(err, llm.ErrAuth) {
			observe.Logger(ctx).Error("intent: provider rejected credentials", "provider", c.name, "err", err)
		}
		return "", 0, fmt.Errorf("intent: classify: %w", err)
	}
	if resp == nil {
		return "", 0, nil
	}

	r, err := parseReply(resp.Content)
	if err != nil {
		observe.Logger(ctx).Debug("intent: unparseable reply", "content", resp.Content, "err", err)
		return "", 0, nil
	}
	if r.Confidence < c.minConfidence {
		return "", r.Confidence, nil
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, r.Group) {
			return g.Name, r.Confidence, nil
		}
	}
	return "", r.Confidence, nil
}

func buildSystemPrompt(groups []command.Group) string {
	var sb strings.Builder
	for _, g := range groups {
		sb.WriteString("- ")
		sb.WriteString(g.Name)
		sb.WriteString(" (says: ")
		sb.WriteString(strings.Join(g.Keywords, ", "))
		sb.WriteString(")")
		if g.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(g.Description)
		}
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, sb.String())
}

func parseReply(content string) (reply, error) {
	var r reply
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return reply{}, err
	}
	r.Group = strings.TrimSpace(r.Group)
	if strings.EqualFold(r.Group, "none") {
		r.Group = ""
	}
	return r, nil
}

// stripMarkdown removes ```json fences some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// Package anyllm runs intent classification through
// github.com/mozilla-ai/any-llm-go, so a local Ollama or llama.cpp model can
// stand in for a hosted one.
//
//	p, err := anyllm.New("ollama", "llama3.2")
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxcmd/pkg/provider/llm"
)

type backend struct {
	open func(...anyllmlib.Option) (anyllmlib.Provider, error)
	// local backends run on the user's machine and need no key.
	local bool
}

var backends = map[string]backend{
	"openai":    {open: wrap(anyllmoai.New)},
	"anthropic": {open: wrap(anthropic.New)},
	"gemini":    {open: wrap(gemini.New)},
	"deepseek":  {open: wrap(deepseek.New)},
	"mistral":   {open: wrap(mistral.New)},
	"groq":      {open: wrap(groq.New)},
	"ollama":    {open: wrap(ollama.New), local: true},
	"llamacpp":  {open: wrap(llamacpp.New), local: true},
	"llamafile": {open: wrap(llamafile.New), local: true},
}

// wrap erases the concrete provider type of an any-llm constructor.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) func(...anyllmlib.Option) (anyllmlib.Provider, error) {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := fn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Backends lists the names accepted by [New], sorted.
var Backends = func() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}()

// IsLocal reports whether name is a self-hosted backend that works without
// an API key.
func IsLocal(name string) bool {
	return backends[strings.ToLower(name)].local
}

// Provider implements llm.Provider.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New opens the named backend. Hosted backends fall back to their usual
// environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) when opts
// carry no key; a key that cannot be found wraps llm.ErrAuth.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	b, ok := backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q, want one of %s", name, strings.Join(Backends, ", "))
	}
	p, err := b.open(opts...)
	if err != nil {
		if !b.local {
			return nil, fmt.Errorf("anyllm: open %s: %w: %w", name, llm.ErrAuth, err)
		}
		return nil, fmt.Errorf("anyllm: open %s: %w", name, err)
	}
	return &Provider{backend: p, model: model}, nil
}

// Complete implements llm.Provider. JSON mode is not forwarded because not
// every backend supports it; the classifier tolerates fenced replies.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: reply has no choices")
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

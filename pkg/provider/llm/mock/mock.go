// Package mock is a scriptable llm.Provider for classifier tests.
//
//	p := mock.Reply(`{"group": "Lights On", "confidence": 0.8}`)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxcmd/pkg/provider/llm"
)

// Provider answers every Complete call from its fields. The zero value
// replies (nil, nil).
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned when Replies is exhausted.
	CompleteResponse *llm.CompletionResponse

	// Replies are handed out one per call before CompleteResponse is used.
	Replies []string

	// CompleteErr is returned alongside the response.
	CompleteErr error

	// CompleteFunc, if set, replaces all of the above.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Reply returns a Provider that always answers content.
func Reply(content string) *Provider {
	return &Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	if fn == nil && len(p.Replies) > 0 {
		resp = &llm.CompletionResponse{Content: p.Replies[0]}
		p.Replies = p.Replies[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CallCount is the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// LastRequest returns the most recent request, or false if there was none.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.requests[len(p.requests)-1], true
}

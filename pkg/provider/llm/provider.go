// Package llm defines the Provider interface for the language model used as
// a fallback intent classifier.
//
// A provider wraps a remote or local model API (OpenAI, or any backend
// reachable through any-llm-go) and exposes a single blocking completion
// call. Voice commands never depend on the model: it is only consulted when
// keyword matching found nothing.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors wrapped by providers so callers can tell a broken setup
// from a transient failure.
var (
	// ErrAuth marks missing or rejected credentials. Retrying will not help.
	ErrAuth = errors.New("llm: authentication failed")

	// ErrRateLimited marks a backend that asked the caller to slow down.
	ErrRateLimited = errors.New("llm: rate limited")
)

// Roles accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the reply.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero leaves the
	// provider default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSON asks the backend to constrain the reply to a JSON object when it
	// supports that. Callers still validate the reply.
	JSON bool
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the text of the reply.
	Content string

	// Usage contains token accounting for this request.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply. Returns
	// an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderFunc adapts a function to the [Provider] interface.
type ProviderFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

// Complete calls f(ctx, req).
func (f ProviderFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return f(ctx, req)
}

// Package command turns final transcripts into debounced command triggers.
//
// A [Registry] holds keyword groups in registration order. The [Matcher]
// walks groups, then keywords, and reports the first keyword found in a
// normalized transcript, either verbatim or (in fuzzy mode) by word overlap
// or a one-edit typo. A per-keyword cooldown suppresses repeats. The
// [Dispatcher] invokes the group's [Handler] once per unsuppressed match and
// publishes every match as an [Event] to subscribers.
package command

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownGroup is returned when a group name is not registered.
	ErrUnknownGroup = errors.New("command: unknown group")

	// ErrInvalidGroup is returned by [Registry.Register] for groups without a
	// name or keywords, and for duplicate names.
	ErrInvalidGroup = errors.New("command: invalid group")
)

// Handler runs the action bound to a command group. It receives the event
// that triggered it. Errors are logged by the dispatcher; they do not undo
// the cooldown.
type Handler func(ctx context.Context, ev Event) error

// Group is a named set of keywords sharing one handler. Groups are immutable
// once registered.
type Group struct {
	// Name identifies the group, e.g. "Start Recording".
	Name string

	// Keywords are the phrases that trigger the group, matched in order.
	Keywords []string

	// Description is shown by list_commands and the HTTP API.
	Description string

	// Handler is invoked once per unsuppressed match. May be nil.
	Handler Handler
}

// Source says how a match was produced.
type Source string

const (
	// SourceVoice is a match found in a live transcript.
	SourceVoice Source = "voice"

	// SourceSimulate is a trigger requested through the API or MCP.
	SourceSimulate Source = "simulate"

	// SourceIntent is a group chosen by the LLM intent fallback.
	SourceIntent Source = "intent"
)

// Method says which matching rule accepted the keyword.
type Method string

const (
	MethodContains Method = "contains"
	MethodWords    Method = "words"
	MethodEdit     Method = "edit"
	MethodDirect   Method = "direct"
	MethodIntent   Method = "intent"
)

// Event describes a single match, dispatched or suppressed.
type Event struct {
	Group      string    `json:"group"`
	Keyword    string    `json:"keyword"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
	Suppressed bool      `json:"suppressed"`
	Source     Source    `json:"source"`
	Method     Method    `json:"method"`

	// Confidence is set for intent matches.
	Confidence float64 `json:"confidence,omitempty"`

	// Error holds the handler error message, if any.
	Error string `json:"error,omitempty"`
}

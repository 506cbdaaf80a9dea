// Package session owns the connection to the transcription backend.
//
// [Streaming] keeps one realtime [stt.SessionHandle] open: it connects,
// forwards committed transcripts, reconnects with cause-dependent backoff
// through a [Reconnector], and pauses while a [Prober] reports the network
// as unreachable. [Dispatcher] is the one-shot counterpart: encoded chunks
// wait in a FIFO queue and at most N [stt.Transcriber] calls run at once.
//
// Both deliver final transcripts on a Finals channel.
package session

import (
	"errors"
	"time"
)

var (
	// ErrClosed is returned when a session is used after it was stopped.
	ErrClosed = errors.New("session: closed")

	// ErrMaxRetries is returned when a reconnect sequence gave up.
	ErrMaxRetries = errors.New("session: max reconnect retries exceeded")

	// ErrReconnectInProgress is returned by [Reconnector.Run] while another
	// sequence is running.
	ErrReconnectInProgress = errors.New("session: reconnect already in progress")
)

// State is the lifecycle of a streaming session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Cause is why a reconnect is needed. It picks the first retry delay.
type Cause int

const (
	// CauseNone connects immediately: initial start or restored network.
	CauseNone Cause = iota
	// CauseClosed follows a socket that was closed after being open.
	CauseClosed
	// CauseConnect follows a failed websocket dial.
	CauseConnect
	// CauseToken follows a failed single-use token request.
	CauseToken
)

// String returns the cause name used in logs.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseClosed:
		return "closed"
	case CauseConnect:
		return "connect"
	case CauseToken:
		return "token"
	default:
		return "unknown"
	}
}

// FirstDelay is the wait before the first attempt after cause.
func FirstDelay(c Cause) time.Duration {
	switch c {
	case CauseToken:
		return 3 * time.Second
	case CauseConnect:
		return 2 * time.Second
	case CauseClosed:
		return time.Second
	default:
		return 0
	}
}

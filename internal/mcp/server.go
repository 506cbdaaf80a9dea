// Package mcp exposes the command engine as a Model Context Protocol server
// built on the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// Tools:
//
//	list_commands      registered command groups and their keywords
//	submit_transcript  run text through the transcript filter and matcher
//	trigger_command    fire a group by name through the cooldown path
//	pipeline_status    listening, backend and calibration state
//	set_listening      pause or resume sending audio
//
// The server is reachable over streamable HTTP via [Server.Handler] or over
// stdin/stdout via [Server.Serve].
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/pipeline"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// Transport selects how an MCP client reaches the server.
type Transport string

const (
	// TransportStdio serves a single client over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP serves clients through [Server.Handler].
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// Engine is the part of the running pipeline the tools drive.
type Engine interface {
	Status() pipeline.Status
	Submit(ctx context.Context, t stt.Transcript) pipeline.Submission

	// SetListening pauses or resumes sending audio for transcription.
	SetListening(on bool)
}

// Server is an MCP server bound to one command dispatcher and engine.
type Server struct {
	srv      *mcpsdk.Server
	commands *command.Dispatcher
	engine   Engine
}

// New builds the server and registers all tools.
func New(commands *command.Dispatcher, engine Engine, version string) *Server {
	s := &Server{
		srv:      mcpsdk.NewServer(&mcpsdk.Implementation{Name: "voxcmd", Version: version}, nil),
		commands: commands,
		engine:   engine,
	}
	s.registerTools()
	return s
}

// Handler serves the streamable HTTP transport, e.g. mounted at /mcp.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

// Serve runs the server over t until ctx is done or the client disconnects.
// Only [TransportStdio] is served this way; HTTP goes through Handler.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	switch t {
	case TransportStdio:
		slog.Info("mcp: serving on stdio")
		if err := s.srv.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: serve stdio: %w", err)
		}
		return nil
	case TransportStreamableHTTP:
		return fmt.Errorf("mcp: %s is served through Handler", t)
	default:
		return fmt.Errorf("mcp: unknown transport %q", t)
	}
}

// Connect attaches the server to an arbitrary SDK transport, e.g. one half
// of mcpsdk.NewInMemoryTransports.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	ss, err := s.srv.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect: %w", err)
	}
	return ss, nil
}

// addTool registers a typed handler with a hard timeout. Handler errors are
// reported to the client as tool errors.
func addTool[In, Out any](srv *mcpsdk.Server, name, desc string, timeout time.Duration, h func(ctx context.Context, in In) (Out, error)) {
	tool := &mcpsdk.Tool{Name: name, Description: desc}
	mcpsdk.AddTool(srv, tool, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		out, err := h(ctx, in)
		slog.Debug("mcp: tool call", "tool", name, "duration", time.Since(start), "err", err)
		return nil, out, err
	})
}

package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/pipeline"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// Tool names.
const (
	ToolListCommands     = "list_commands"
	ToolSubmitTranscript = "submit_transcript"
	ToolTriggerCommand   = "trigger_command"
	ToolPipelineStatus   = "pipeline_status"
	ToolSetListening     = "set_listening"
)

// Per-call timeouts. Handlers run user actions (exec, webhook), so the
// dispatching tools get more room than the read-only ones.
const (
	readTimeout     = 2 * time.Second
	dispatchTimeout = 15 * time.Second
)

type noArgs struct{}

type commandInfo struct {
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description,omitempty"`
}

type listCommandsResult struct {
	Commands []commandInfo `json:"commands"`
}

type submitArgs struct {
	Text string `json:"text" jsonschema:"final transcript text to match against the command keywords"`
}

// eventInfo mirrors command.Event with a string timestamp.
type eventInfo struct {
	Group      string  `json:"group"`
	Keyword    string  `json:"keyword"`
	Text       string  `json:"text"`
	At         string  `json:"at"`
	Suppressed bool    `json:"suppressed"`
	Source     string  `json:"source"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type submitResult struct {
	Text     string     `json:"text"`
	Accepted bool       `json:"accepted"`
	Reason   string     `json:"reason,omitempty"`
	Matched  bool       `json:"matched"`
	Event    *eventInfo `json:"event,omitempty"`
}

type triggerArgs struct {
	Group string `json:"group" jsonschema:"name of the command group to fire"`
}

type listeningArgs struct {
	Listening bool `json:"listening" jsonschema:"true to resume sending audio, false to pause"`
}

type listeningResult struct {
	Listening bool `json:"listening"`
}

func (s *Server) registerTools() {
	addTool(s.srv, ToolListCommands,
		"List the registered voice command groups with their trigger keywords.",
		readTimeout, s.listCommands)
	addTool(s.srv, ToolSubmitTranscript,
		"Submit a transcript as if it had been spoken. It is filtered, deduplicated and matched; a matching group fires its action.",
		dispatchTimeout, s.submitTranscript)
	addTool(s.srv, ToolTriggerCommand,
		"Fire a command group by name through the normal cooldown.",
		dispatchTimeout, s.triggerCommand)
	addTool(s.srv, ToolPipelineStatus,
		"Report whether the engine is listening, the transcription backend state and the noise calibration.",
		readTimeout, s.pipelineStatus)
	addTool(s.srv, ToolSetListening,
		"Pause or resume sending microphone audio for transcription.",
		readTimeout, s.setListening)
}

func (s *Server) listCommands(context.Context, noArgs) (listCommandsResult, error) {
	groups := s.commands.Matcher().Registry().Groups()
	res := listCommandsResult{Commands: make([]commandInfo, 0, len(groups))}
	for _, g := range groups {
		res.Commands = append(res.Commands, commandInfo{Name: g.Name, Keywords: g.Keywords, Description: g.Description})
	}
	return res, nil
}

func (s *Server) submitTranscript(ctx context.Context, in submitArgs) (submitResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return submitResult{}, errors.New("text must not be empty")
	}
	sub := s.engine.Submit(ctx, stt.Transcript{Text: in.Text, IsFinal: true, ReceivedAt: time.Now()})
	res := submitResult{
		Text:     sub.Text,
		Accepted: sub.Reason == "",
		Reason:   sub.Reason,
		Matched:  sub.Event != nil,
	}
	if sub.Event != nil {
		ev := toEventInfo(*sub.Event)
		res.Event = &ev
	}
	return res, nil
}

func (s *Server) triggerCommand(ctx context.Context, in triggerArgs) (eventInfo, error) {
	ev, err := s.commands.Simulate(ctx, in.Group)
	if err != nil {
		return eventInfo{}, err
	}
	return toEventInfo(ev), nil
}

func (s *Server) pipelineStatus(context.Context, noArgs) (pipeline.Status, error) {
	return s.engine.Status(), nil
}

func (s *Server) setListening(_ context.Context, in listeningArgs) (listeningResult, error) {
	s.engine.SetListening(in.Listening)
	return listeningResult{Listening: s.engine.Status().Listening}, nil
}

func toEventInfo(ev command.Event) eventInfo {
	return eventInfo{
		Group:      ev.Group,
		Keyword:    ev.Keyword,
		Text:       ev.Text,
		At:         ev.At.Format(time.RFC3339Nano),
		Suppressed: ev.Suppressed,
		Source:     string(ev.Source),
		Method:     string(ev.Method),
		Confidence: ev.Confidence,
		Error:      ev.Error,
	}
}

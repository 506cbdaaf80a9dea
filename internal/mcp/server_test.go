package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/pipeline"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// fakeEngine matches every submitted transcript through the dispatcher.
type fakeEngine struct {
	commands *command.Dispatcher

	mu        sync.Mutex
	listening bool
	submitted []string
}

func (e *fakeEngine) Status() pipeline.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pipeline.Status{Listening: e.listening, Backend: "fake", State: "open", BaselineRMS: 0.01}
}

func (e *fakeEngine) Submit(ctx context.Context, t stt.Transcript) pipeline.Submission {
	e.mu.Lock()
	e.submitted = append(e.submitted, t.Text)
	e.mu.Unlock()
	if t.Text == "thank you" {
		return pipeline.Submission{Text: t.Text, Reason: "hallucination"}
	}
	sub := pipeline.Submission{Text: t.Text}
	if ev, ok := e.commands.Dispatch(ctx, t.Text); ok {
		sub.Event = &ev
	}
	return sub
}

func (e *fakeEngine) SetListening(v bool) {
	e.mu.Lock()
	e.listening = v
	e.mu.Unlock()
}

type harness struct {
	session *mcpsdk.ClientSession
	engine  *fakeEngine
	fired   map[string]int
	mu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{fired: make(map[string]int)}
	handler := func(_ context.Context, ev command.Event) error {
		h.mu.Lock()
		h.fired[ev.Group]++
		h.mu.Unlock()
		return nil
	}
	reg, err := command.NewRegistry(
		command.Group{Name: "Start Recording", Keywords: []string{"start recording", "begin recording"}, Description: "starts the recorder", Handler: handler},
		command.Group{Name: "Stop Recording", Keywords: []string{"stop recording"}, Handler: handler},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	disp := command.NewDispatcher(command.NewMatcher(reg, command.DefaultMatcherConfig()))
	h.engine = &fakeEngine{commands: disp, listening: true}
	srv := New(disp, h.engine, "test")

	ctx := context.Background()
	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	h.session = cs
	return h
}

// call invokes a tool and decodes its structured result into out.
func (h *harness) call(t *testing.T, name string, args map[string]any, out any) *mcpsdk.CallToolResult {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := h.session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if res.IsError || out == nil {
		return res
	}
	var raw []byte
	if res.StructuredContent != nil {
		raw, err = json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatalf("marshal structured content: %v", err)
		}
	} else {
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				raw = []byte(tc.Text)
				break
			}
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s result %q: %v", name, raw, err)
	}
	return res
}

func (h *harness) firedCount(group string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired[group]
}

func TestServer_ListsTools(t *testing.T) {
	h := newHarness(t)
	var names []string
	for tool, err := range h.session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := []string{ToolListCommands, ToolPipelineStatus, ToolSetListening, ToolSubmitTranscript, ToolTriggerCommand}
	if len(names) != len(want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestListCommands(t *testing.T) {
	h := newHarness(t)
	var res listCommandsResult
	h.call(t, ToolListCommands, nil, &res)
	if len(res.Commands) != 2 {
		t.Fatalf("commands = %+v", res.Commands)
	}
	first := res.Commands[0]
	if first.Name != "Start Recording" || len(first.Keywords) != 2 || first.Description != "starts the recorder" {
		t.Errorf("commands[0] = %+v", first)
	}
}

func TestSubmitTranscript(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantMatched bool
		wantReason  string
		wantGroup   string
	}{
		{"match", "please stop recording now", true, "", "Stop Recording"},
		{"no match", "what time is it", false, "", ""},
		{"filtered", "thank you", false, "hallucination", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var res submitResult
			h.call(t, ToolSubmitTranscript, map[string]any{"text": tt.text}, &res)
			if res.Matched != tt.wantMatched || res.Reason != tt.wantReason || res.Accepted != (tt.wantReason == "") {
				t.Errorf("result = %+v", res)
			}
			if tt.wantGroup != "" {
				if res.Event == nil || res.Event.Group != tt.wantGroup || res.Event.Source != string(command.SourceVoice) {
					t.Errorf("event = %+v", res.Event)
				}
				if h.firedCount(tt.wantGroup) != 1 {
					t.Errorf("handler fired %d times", h.firedCount(tt.wantGroup))
				}
			}
		})
	}
}

func TestSubmitTranscript_EmptyText(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, ToolSubmitTranscript, map[string]any{"text": "  "}, nil)
	if !res.IsError {
		t.Error("empty text was accepted")
	}
	if len(h.engine.submitted) != 0 {
		t.Errorf("engine received %v", h.engine.submitted)
	}
}

func TestTriggerCommand(t *testing.T) {
	h := newHarness(t)

	var ev eventInfo
	h.call(t, ToolTriggerCommand, map[string]any{"group": "start recording"}, &ev)
	if ev.Group != "Start Recording" || ev.Keyword != "start recording" || ev.Source != string(command.SourceSimulate) || ev.Suppressed {
		t.Errorf("event = %+v", ev)
	}

	// Second trigger inside the cooldown is suppressed.
	h.call(t, ToolTriggerCommand, map[string]any{"group": "Start Recording"}, &ev)
	if !ev.Suppressed {
		t.Error("second trigger was not suppressed")
	}
	if got := h.firedCount("Start Recording"); got != 1 {
		t.Errorf("handler fired %d times, want 1", got)
	}

	if res := h.call(t, ToolTriggerCommand, map[string]any{"group": "Nope"}, nil); !res.IsError {
		t.Error("unknown group did not fail")
	}
}

func TestPipelineStatusAndListening(t *testing.T) {
	h := newHarness(t)

	var st pipeline.Status
	h.call(t, ToolPipelineStatus, nil, &st)
	if !st.Listening || st.Backend != "fake" || st.State != "open" {
		t.Errorf("status = %+v", st)
	}

	var lr listeningResult
	h.call(t, ToolSetListening, map[string]any{"listening": false}, &lr)
	if lr.Listening {
		t.Error("still listening after set_listening false")
	}
	h.call(t, ToolPipelineStatus, nil, &st)
	if st.Listening {
		t.Error("status reports listening")
	}
}

func TestTransport_IsValid(t *testing.T) {
	for _, tr := range []Transport{TransportStdio, TransportStreamableHTTP} {
		if !tr.IsValid() {
			t.Errorf("%q.IsValid() = false", tr)
		}
	}
	if Transport("sse").IsValid() {
		t.Error(`"sse".IsValid() = true`)
	}
	s := New(nil, nil, "test")
	if err := s.Serve(context.Background(), TransportStreamableHTTP); err == nil {
		t.Error("Serve(streamable-http) succeeded")
	}
}

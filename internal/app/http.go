package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/pipeline"
	"github.com/MrWong99/voxcmd/internal/resilience"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

const (
	defaultRecent = 50
	maxRecent     = 1000
	maxBodyBytes  = 1 << 16

	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// Handler returns the admin HTTP handler: health, metrics, MCP, the event
// stream and the JSON API.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	a.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.With(a.requireToken).Handle("/mcp", a.mcp.Handler())
	r.Get("/events", a.serveEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.getStatus)
		r.Get("/commands", a.listCommands)
		r.Get("/events/recent", a.recentEvents)

		r.Group(func(r chi.Router) {
			r.Use(a.requireToken)
			r.Post("/commands/{group}/trigger", a.triggerCommand)
			r.Post("/transcripts", a.submitTranscript)
			r.Put("/listening", a.putListening)
			r.Post("/listening/toggle", a.toggleListening)
			r.Put("/microphone", a.putMicrophone)
			r.Put("/apikey", a.putAPIKey)
			r.Post("/recalibrate", a.recalibrate)
			r.Post("/session/restart", a.restartSession)
		})
	})
	return r
}

func (a *App) apiToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Server.APIToken
}

// requireToken rejects requests without the configured bearer token. It is
// a no-op when no token is configured.
func (a *App) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := a.apiToken()
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="voxcmd"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid api token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loopbackAddr reports whether a listen address only accepts local
// connections.
func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type statusResponse struct {
	Session  SessionInfo         `json:"session"`
	Active   bool                `json:"active"`
	Pipeline pipeline.Status     `json:"pipeline"`
	Breakers []resilience.Status `json:"breakers,omitempty"`
}

func (a *App) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Session:  a.sessions.Info(),
		Active:   a.sessions.IsActive(),
		Pipeline: a.sessions.Status(),
		Breakers: a.sessions.Breakers(),
	})
}

type groupResponse struct {
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description,omitempty"`
}

func (a *App) listCommands(w http.ResponseWriter, _ *http.Request) {
	groups := a.commands.Matcher().Registry().Groups()
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse{Name: g.Name, Keywords: g.Keywords, Description: g.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) triggerCommand(w http.ResponseWriter, r *http.Request) {
	ev, err := a.commands.Simulate(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type transcriptRequest struct {
	Text string `json:"text"`
}

func (a *App) submitTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text must not be empty"})
		return
	}
	sub := a.sessions.Submit(r.Context(), stt.Transcript{Text: req.Text, IsFinal: true, ReceivedAt: time.Now()})
	writeJSON(w, http.StatusOK, sub)
}

func (a *App) recentEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event journal is disabled"})
		return
	}
	n := defaultRecent
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "n must be a positive integer"})
			return
		}
		n = min(v, maxRecent)
	}
	events, err := a.journal.Recent(n)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []command.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type listeningBody struct {
	Listening bool `json:"listening"`
}

func (a *App) putListening(w http.ResponseWriter, r *http.Request) {
	var req listeningBody
	if !decode(w, r, &req) {
		return
	}
	a.sessions.SetListening(req.Listening)
	writeJSON(w, http.StatusOK, listeningBody{Listening: req.Listening})
}

func (a *App) toggleListening(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listeningBody{Listening: a.sessions.Toggle()})
}

type microphoneRequest struct {
	Device *int `json:"device"`
}

func (a *App) putMicrophone(w http.ResponseWriter, r *http.Request) {
	var req microphoneRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Device == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "device is required"})
		return
	}
	if err := a.sessions.SetMicrophone(r.Context(), *req.Device); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (a *App) putAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.sessions.SetAPIKey(r.Context(), strings.TrimSpace(req.APIKey)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recalibrateResponse struct {
	BaselineRMS float32 `json:"baseline_rms"`
}

func (a *App) recalibrate(w http.ResponseWriter, r *http.Request) {
	rms, err := a.sessions.Recalibrate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recalibrateResponse{BaselineRMS: rms})
}

func (a *App) restartSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Restart(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Info())
}

// eventFrame is one message on the /events websocket.
type eventFrame struct {
	Kind     string          `json:"kind"`
	Pipeline *pipeline.Event `json:"pipeline,omitempty"`
	Command  *command.Event  `json:"command,omitempty"`
}

// serveEvents streams pipeline and command events as JSON frames until the
// client goes away. Slow clients miss events.
func (a *App) serveEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe first so nothing published after the handshake is missed.
	pipeEvents, cancelPipe := a.sessions.Subscribe(eventBuffer)
	defer cancelPipe()
	cmdEvents, cancelCmd := a.commands.Subscribe(eventBuffer)
	defer cancelCmd()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("app: websocket accept", "err", err)
		return
	}
	defer c.CloseNow()

	// Nothing is read from clients; CloseRead handles control frames.
	ctx := c.CloseRead(r.Context())
	for {
		var frame eventFrame
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-pipeEvents:
			if !ok {
				return
			}
			frame = eventFrame{Kind: "pipeline", Pipeline: &ev}
		case ev, ok := <-cmdEvents:
			if !ok {
				return
			}
			frame = eventFrame{Kind: "command", Command: &ev}
		}
		if err := writeFrame(ctx, c, frame); err != nil {
			slog.Debug("app: websocket write", "err", err)
			return
		}
	}
}

func writeFrame(ctx context.Context, c *websocket.Conn, frame eventFrame) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, frame)
}

type errorResponse struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, command.ErrUnknownGroup):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/config"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/pipeline"
	"github.com/MrWong99/voxcmd/internal/resilience"
	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/internal/transcript"
	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/MrWong99/voxcmd/pkg/provider/vad/energy"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by operations that need a running pipeline.
	ErrNoSession = errors.New("app: no active session")
)

// stopTimeout bounds how long Stop waits for the pipeline goroutines.
const stopTimeout = 5 * time.Second

// SourceOpener opens the capture source described by cfg. device is the
// PortAudio input index after the persisted choice has been applied.
type SourceOpener func(cfg config.AudioConfig, device int) (audio.Source, error)

// SessionInfo holds metadata about the running pipeline session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Backend   string    `json:"backend"`
	Device    int       `json:"device"`
	StartedAt time.Time `json:"started_at"`
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config     *config.Config
	Registry   *config.Registry
	Storage    Storage
	Commands   *command.Dispatcher
	Processor  *transcript.Processor
	OpenSource SourceOpener
	Events     *pipeline.Hub
	Metrics    *observe.Metrics
}

// SessionManager owns the lifecycle of the capture pipeline. At most one
// session runs at a time; Restart rebuilds it from the current config and
// the stored preferences.
//
// SessionManager also serves the MCP tools and the HTTP API, forwarding to
// the running pipeline. Transcripts submitted while no session runs are
// still filtered and dispatched.
type SessionManager struct {
	deps   SessionManagerConfig
	cfg    atomic.Pointer[config.Config]
	paused atomic.Bool

	// opMu serialises Start, Stop and Restart.
	opMu sync.Mutex

	mu       sync.Mutex
	active   bool
	info     SessionInfo
	pipe     *pipeline.Pipeline
	fallback *resilience.TranscriberFallback
	cancel   context.CancelFunc
	done     chan struct{}
	lastErr  error
}

// NewSessionManager returns a stopped SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Events == nil {
		cfg.Events = &pipeline.Hub{}
	}
	sm := &SessionManager{deps: cfg}
	sm.cfg.Store(cfg.Config)
	return sm
}

// SetConfig replaces the config used by the next Start.
func (sm *SessionManager) SetConfig(cfg *config.Config) { sm.cfg.Store(cfg) }

// Start builds a pipeline from the current config and runs it in the
// background until Stop is called or it fails.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()
	return sm.start(ctx)
}

func (sm *SessionManager) start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.active {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	sm.mu.Unlock()

	cfg := sm.cfg.Load()
	b, err := sm.buildBackend(ctx, cfg)
	if err != nil {
		return err
	}

	device := cfg.Audio.DeviceIndex
	if sm.deps.Storage != nil {
		if idx, ok, err := store.GetInt(ctx, sm.deps.Storage, store.KeyMicDeviceIndex); err != nil {
			slog.Warn("session: read stored device", "err", err)
		} else if ok {
			device = idx
		}
	}
	src, err := sm.deps.OpenSource(cfg.Audio, device)
	if err != nil {
		b.close()
		return fmt.Errorf("session: open capture source: %w", err)
	}

	det, err := energy.New(cfg.VAD.DetectorConfig(cfg.Audio.SampleRate))
	if err != nil {
		_ = src.Close()
		b.close()
		return fmt.Errorf("session: voice activity detector: %w", err)
	}

	pcfg := pipeline.Config{
		Source:           src,
		DeviceIndex:      device,
		Chunk:            cfg.Audio.ChunkConfig(),
		RingCapacity:     cfg.Audio.RingCapacity(),
		Calibration:      cfg.Calibration.CalibratorConfig(cfg.Audio.SampleRate),
		CalibrateOnStart: true,
		SubtractBias:     float32(cfg.Calibration.SubtractBias),
		Detector:         det,
		Backend:          b.backend,
		Processor:        sm.deps.Processor,
		Commands:         sm.deps.Commands,
		APIKeyName:       b.keyName,
		OnAPIKey:         b.onKey,
		Events:           sm.deps.Events,
		Metrics:          sm.deps.Metrics,
	}
	if sm.deps.Storage != nil {
		pcfg.Prefs = sm.deps.Storage
		pcfg.Profiles = sm.deps.Storage
	}
	if cfg.Audio.Source == config.SourcePortAudio {
		audioCfg := cfg.Audio
		pcfg.OpenSource = func(index int) (audio.Source, error) {
			return sm.deps.OpenSource(audioCfg, index)
		}
	}
	pipe, err := pipeline.New(pcfg)
	if err != nil {
		_ = src.Close()
		b.close()
		return fmt.Errorf("session: %w", err)
	}
	if sm.paused.Load() {
		pipe.Stop()
	}

	now := time.Now().UTC()
	info := SessionInfo{
		SessionID: fmt.Sprintf("session-%s-%s", sanitizeName(b.backend.Name()), now.Format("20060102T150405Z")),
		Mode:      string(cfg.Transcription.Mode),
		Backend:   b.backend.Name(),
		Device:    device,
		StartedAt: now,
	}

	// The session outlives the request that started it.
	runCtx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), info.SessionID))
	done := make(chan struct{})

	sm.mu.Lock()
	sm.active = true
	sm.info = info
	sm.pipe = pipe
	sm.fallback = b.fallback
	sm.cancel = cancel
	sm.done = done
	sm.lastErr = nil
	sm.mu.Unlock()

	go sm.run(runCtx, pipe, b, done)

	slog.Info("session started",
		"session_id", info.SessionID,
		"mode", info.Mode,
		"backend", info.Backend,
		"device", device,
	)
	return nil
}

// run drives pipe and clears the session if it stops on its own.
func (sm *SessionManager) run(ctx context.Context, pipe *pipeline.Pipeline, b *builtBackend, done chan struct{}) {
	defer close(done)
	err := pipe.Run(ctx)
	b.close()
	if err != nil {
		slog.Error("session: pipeline stopped", "err", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.pipe != pipe {
		return
	}
	sm.lastErr = err
	sm.clearLocked()
}

// Stop ends the running session and waits for capture to close.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()
	return sm.stop(ctx)
}

func (sm *SessionManager) stop(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoSession
	}
	id := sm.info.SessionID
	cancel, done := sm.cancel, sm.done
	sm.clearLocked()
	sm.mu.Unlock()

	cancel()
	wait, waitCancel := context.WithTimeout(ctx, stopTimeout)
	defer waitCancel()
	select {
	case <-done:
	case <-wait.Done():
		slog.Warn("session: pipeline did not stop in time", "session_id", id)
		return fmt.Errorf("session: stop %s: %w", id, wait.Err())
	}

	slog.Info("session stopped", "session_id", id)
	return nil
}

func (sm *SessionManager) clearLocked() {
	sm.active = false
	sm.info = SessionInfo{}
	sm.pipe = nil
	sm.fallback = nil
	sm.cancel = nil
	sm.done = nil
}

// Restart stops the running session, if any, and starts a new one.
func (sm *SessionManager) Restart(ctx context.Context) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()
	if err := sm.stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return sm.start(ctx)
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the running session, or the zero value.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

func (sm *SessionManager) current() *pipeline.Pipeline {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pipe
}

// Status returns the pipeline status. Without a session the state is
// "stopped" and the last fatal error, if any, is reported.
func (sm *SessionManager) Status() pipeline.Status {
	if p := sm.current(); p != nil {
		return p.Status()
	}
	st := pipeline.Status{State: "stopped", Listening: !sm.paused.Load()}
	sm.mu.Lock()
	if sm.lastErr != nil {
		st.LastError = sm.lastErr.Error()
	}
	sm.mu.Unlock()
	return st
}

// Breakers returns the circuit breaker state of each one-shot transcriber.
func (sm *SessionManager) Breakers() []resilience.Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.fallback == nil {
		return nil
	}
	return sm.fallback.Status()
}

// Submit runs a final transcript through filtering and dispatch.
func (sm *SessionManager) Submit(ctx context.Context, t stt.Transcript) pipeline.Submission {
	if p := sm.current(); p != nil {
		return p.Submit(ctx, t)
	}
	res := sm.deps.Processor.Process(t)
	sub := pipeline.Submission{Text: res.Text, Reason: string(res.Reason)}
	if !res.Accepted() {
		sm.deps.Metrics.RecordTranscriptFiltered(ctx, string(res.Reason))
		return sub
	}
	if ev, ok := sm.deps.Commands.Dispatch(ctx, res.Text); ok {
		sub.Event = &ev
	}
	return sub
}

// SetListening pauses or resumes sending audio. The choice carries over to
// sessions started later.
func (sm *SessionManager) SetListening(on bool) {
	sm.paused.Store(!on)
	p := sm.current()
	if p == nil {
		return
	}
	if on {
		p.Start()
	} else {
		p.Stop()
	}
}

// Toggle flips listening and returns the new state.
func (sm *SessionManager) Toggle() bool {
	on := sm.paused.Load()
	sm.SetListening(on)
	return on
}

// SetMicrophone switches the capture device. Without a session the choice
// is only persisted.
func (sm *SessionManager) SetMicrophone(ctx context.Context, index int) error {
	if p := sm.current(); p != nil {
		return p.SetMicrophone(ctx, index)
	}
	if sm.deps.Storage == nil {
		return ErrNoSession
	}
	if err := sm.deps.Storage.Set(ctx, store.KeyMicDeviceIndex, fmt.Sprint(index)); err != nil {
		return fmt.Errorf("session: persist device: %w", err)
	}
	return nil
}

// SetAPIKey replaces the transcription API key and persists it. Streaming
// sessions are restarted so the next connection uses the new key.
func (sm *SessionManager) SetAPIKey(ctx context.Context, key string) error {
	p := sm.current()
	if p == nil {
		return ErrNoSession
	}
	if err := p.SetAPIKey(ctx, key); err != nil {
		return err
	}
	if sm.cfg.Load().Transcription.Mode == config.ModeStreaming {
		return sm.Restart(ctx)
	}
	return nil
}

// Recalibrate reruns noise calibration on the running pipeline.
func (sm *SessionManager) Recalibrate(ctx context.Context) (float32, error) {
	p := sm.current()
	if p == nil {
		return 0, ErrNoSession
	}
	prof, err := p.Recalibrate(ctx)
	if prof == nil {
		return 0, err
	}
	return prof.BaselineRMS, err
}

// SyncKeywords pushes the registered keywords to the processor and the
// running backend.
func (sm *SessionManager) SyncKeywords() {
	if p := sm.current(); p != nil {
		p.SyncKeywords()
		return
	}
	sm.deps.Processor.SetKeywords(sm.deps.Commands.Matcher().Registry().Keywords())
}

// Subscribe returns pipeline events across session restarts.
func (sm *SessionManager) Subscribe(buf int) (<-chan pipeline.Event, func()) {
	return sm.deps.Events.Subscribe(buf)
}

// storedKey returns the persisted value of name, or "" when unset.
func (sm *SessionManager) storedKey(ctx context.Context, name string) string {
	if sm.deps.Storage == nil {
		return ""
	}
	v, err := sm.deps.Storage.Get(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("session: read stored key", "key", name, "err", err)
	}
	return v
}

// sanitizeName lowercases a name and replaces spaces with hyphens for use
// in session IDs.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

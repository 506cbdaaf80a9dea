// Package app wires the voxcmd subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the store, the command
// registry and dispatcher, the transcript processor, the optional intent
// classifier and the MCP server; Run starts the capture session and the
// admin HTTP server; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStorage,
// WithSourceOpener, ...). Providers always come from the [config.Registry]
// passed to New, so tests register mocks there.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/command/intent"
	"github.com/MrWong99/voxcmd/internal/config"
	"github.com/MrWong99/voxcmd/internal/health"
	"github.com/MrWong99/voxcmd/internal/mcp"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/resilience"
	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/internal/store/postgres"
	"github.com/MrWong99/voxcmd/internal/store/sqlite"
	"github.com/MrWong99/voxcmd/internal/transcript"
	"github.com/MrWong99/voxcmd/internal/transcript/phonetic"
)

// reloadTimeout bounds a session restart triggered by a config change.
const reloadTimeout = 30 * time.Second

// Storage persists preferences and calibration profiles.
type Storage interface {
	store.Store
	store.ProfileStore
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	version  string
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	opener   SourceOpener

	// Subsystems, initialised in New and torn down in Shutdown.
	storage   Storage
	guard     *store.Guard
	journal   *store.Journal
	commands  *command.Dispatcher
	processor *transcript.Processor
	sessions  *SessionManager
	mcp       *mcp.Server
	health    *health.Handler
	server    *http.Server

	// mu guards cfg and intent across hot reloads.
	mu     sync.Mutex
	intent *intent.Classifier

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStorage injects a store instead of opening the configured backend.
// The App does not close an injected store.
func WithStorage(s Storage) Option {
	return func(a *App) { a.storage = s }
}

// WithSourceOpener sets how capture sources are opened. It is required:
// the microphone and WAV sources live in main to keep cgo out of this
// package.
func WithSourceOpener(o SourceOpener) Option {
	return func(a *App) { a.opener = o }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reload adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together. Providers are built
// from reg as sessions start, so a misnamed provider surfaces on Run.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
		version:  "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.opener == nil {
		return nil, errors.New("app: a source opener is required")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Commands ──────────────────────────────────────────────────────
	if err := a.initCommands(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init commands: %w", err)
	}

	// ── 3. Intent fallback ───────────────────────────────────────────────
	if err := a.applyIntent(cfg.Intent); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init intent: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Registry:   reg,
		Storage:    a.guard,
		Commands:   a.commands,
		Processor:  a.processor,
		OpenSource: a.opener,
		Metrics:    a.metrics,
	})
	a.sessions.SyncKeywords()

	// ── 5. MCP server and health checks ──────────────────────────────────
	a.mcp = mcp.New(a.commands, a.sessions, a.version)
	a.health = health.New(
		health.Want("session", true, a.sessions.IsActive),
		health.Flag("store", a.guard.IsDegraded),
		health.Flag("transcription", a.transcriptionDegraded),
		health.Flag("intent", a.intentDegraded),
	)

	return a, nil
}

// initStore opens the configured store unless one was injected and wraps it
// in a guard that keeps the pipeline running when the database fails.
func (a *App) initStore(ctx context.Context) error {
	if a.storage == nil {
		s, err := openStore(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.storage = s
		a.closers = append(a.closers, s.Close)
		slog.Info("app: store opened", "backend", a.cfg.Store.Backend)
	}
	a.guard = store.NewGuard(a.storage)
	if p := a.cfg.Store.JournalPath; p != "" {
		a.journal = store.NewJournal(p)
	}
	return nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (Storage, error) {
	switch sc.Backend {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return store.NewMemory(), nil
}

// initCommands builds the registry, matcher, dispatcher and processor.
func (a *App) initCommands() error {
	groups, err := a.cfg.Commands.CommandGroups()
	if err != nil {
		return err
	}
	reg, err := command.NewRegistry(groups...)
	if err != nil {
		return err
	}
	dopts := []command.DispatcherOption{command.WithMetrics(a.metrics)}
	if a.journal != nil {
		dopts = append(dopts, command.WithRecorder(a.journal))
	}
	a.commands = command.NewDispatcher(command.NewMatcher(reg, a.cfg.Commands.MatcherConfig()), dopts...)

	var popts []transcript.Option
	if a.cfg.Commands.Phonetic {
		popts = append(popts, transcript.WithCorrector(transcript.NewCorrector(phonetic.New())))
	}
	a.processor = transcript.NewProcessor(a.cfg.Transcript.ProcessorConfig(), popts...)

	slog.Info("app: commands registered", "groups", len(groups), "keywords", len(reg.Keywords()))
	return nil
}

// applyIntent installs, replaces or removes the LLM intent classifier.
func (a *App) applyIntent(ic config.IntentConfig) error {
	if !ic.Enabled {
		a.mu.Lock()
		a.intent = nil
		a.mu.Unlock()
		a.commands.SetIntent(nil)
		return nil
	}
	entry := ic.ProviderEntry()
	prov, err := a.registry.CreateLLM(entry)
	if err != nil {
		return fmt.Errorf("llm %q: %w", entry.Name, err)
	}
	c := intent.New(prov, entry.Name,
		intent.WithMinConfidence(ic.MinConfidence),
		intent.WithTimeout(ic.Timeout),
		intent.WithMetrics(a.metrics),
	)
	a.mu.Lock()
	a.intent = c
	a.mu.Unlock()
	a.commands.SetIntent(c)
	slog.Info("app: intent fallback enabled", "provider", entry.Name, "model", ic.Model)
	return nil
}

func (a *App) transcriptionDegraded() bool {
	if !a.sessions.IsActive() {
		return false
	}
	switch a.sessions.Status().State {
	case "disconnected", "reconnecting":
		return true
	}
	for _, b := range a.sessions.Breakers() {
		if b.State != resilience.StateClosed.String() {
			return true
		}
	}
	return false
}

func (a *App) intentDegraded() bool {
	a.mu.Lock()
	c := a.intent
	a.mu.Unlock()
	return c != nil && c.Breaker().State() == resilience.StateOpen
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Commands returns the command dispatcher.
func (a *App) Commands() *command.Dispatcher { return a.commands }

// MCP returns the MCP server, e.g. to serve it over stdio.
func (a *App) MCP() *mcp.Server { return a.mcp }

// Run starts the capture session and, when a listen address is configured,
// the admin HTTP server. It blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	if a.apiToken() == "" && !loopbackAddr(addr) {
		slog.Warn("app: admin API is reachable from the network without an api_token", "addr", addr)
	}
	go func() {
		slog.Info("app: admin server listening", "addr", addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: admin server: %w", err)
	}
}

// Reload applies a changed config. Commands, matching, filtering, intent and
// the log level change in place; anything else restarts the session.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
	a.sessions.SetConfig(new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.TokenChanged {
		slog.Info("app: api token changed")
	}
	if d.CommandsChanged {
		a.reloadCommands(new.Commands, d)
	}
	if d.MatcherChanged {
		a.commands.Matcher().SetConfig(new.Commands.MatcherConfig())
		if old.Commands.Phonetic != new.Commands.Phonetic {
			slog.Warn("app: phonetic correction change takes effect after restart")
		}
	}
	if d.TranscriptChanged {
		a.processor.SetConfig(new.Transcript.ProcessorConfig())
		a.sessions.SyncKeywords()
	}
	if d.IntentChanged {
		if err := a.applyIntent(new.Intent); err != nil {
			slog.Error("app: reload intent", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Info("app: restarting session for config change", "sections", d.RestartRequired)
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := a.sessions.Restart(ctx); err != nil {
			slog.Error("app: restart session", "err", err)
		}
	}
}

func (a *App) reloadCommands(cc config.CommandsConfig, d config.ConfigDiff) {
	groups, err := cc.CommandGroups()
	if err != nil {
		slog.Error("app: reload commands", "err", err)
		return
	}
	if err := a.commands.Matcher().Registry().Replace(groups); err != nil {
		slog.Error("app: reload commands", "err", err)
		return
	}
	a.sessions.SyncKeywords()
	slog.Info("app: commands reloaded",
		"added", d.Added,
		"removed", d.Removed,
		"modified", d.Modified,
	)
}

// Shutdown stops the session and the admin server, then runs the closers.
// It respects the context deadline: if ctx expires before all closers
// finish, the remaining ones are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("app: stop session", "err", err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("app: admin server shutdown", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// ParseLevel maps a config log level to a slog level.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and hands every effective change to
// onChange. Edits that fail validation are logged and the last good config
// stays current. Edits that only touch comments or formatting, and so
// produce an empty [Diff], are absorbed without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// mu guards the fields below. Reloads run on the loop goroutine only.
	mu      sync.Mutex
	current *Config
	raw     []byte
	mtime   time.Time

	trigger chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. Call [Watcher.Stop] when done.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, raw, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.raw, w.mtime = cfg, raw, mtime

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks for a re-read on the next loop turn even if the modification
// time is unchanged, e.g. on SIGHUP.
func (w *Watcher) Reload() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.check(false)
		case <-w.trigger:
			w.check(true)
		}
	}
}

func (w *Watcher) check(force bool) {
	w.mu.Lock()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.mu.Unlock()
			slog.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
			return
		}
		if info.ModTime().Equal(w.mtime) {
			w.mu.Unlock()
			return
		}
	}

	cfg, raw, mtime, err := w.read()
	if err != nil {
		w.mu.Unlock()
		slog.Warn("config: reload failed, keeping previous config", "path", w.path, "err", err)
		return
	}
	w.mtime = mtime
	if bytes.Equal(raw, w.raw) {
		w.mu.Unlock()
		return
	}
	w.raw = raw

	old := w.current
	d := Diff(old, cfg)
	if d.Empty() {
		w.mu.Unlock()
		slog.Debug("config: file changed without effect", "path", w.path)
		return
	}
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config: reloaded",
		"path", w.path,
		"commands", d.CommandsChanged,
		"intent", d.IntentChanged,
		"restart", d.RestartRequired,
	)
	// The callback may call Current, so it runs unlocked.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file.
func (w *Watcher) read() (*Config, []byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	cfg, err := parse(w.path, raw)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	return cfg, raw, info.ModTime(), nil
}

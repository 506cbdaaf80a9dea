// Command voxcmd listens to a microphone (or a WAV file), transcribes what
// it hears and fires the configured command groups when their keywords are
// spoken.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxcmd/internal/app"
	"github.com/MrWong99/voxcmd/internal/config"
	"github.com/MrWong99/voxcmd/internal/mcp"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/audio/capture"
	"github.com/MrWong99/voxcmd/pkg/provider/llm"
	"github.com/MrWong99/voxcmd/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/voxcmd/pkg/provider/llm/openai"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/MrWong99/voxcmd/pkg/provider/stt/elevenlabs"
	oaistt "github.com/MrWong99/voxcmd/pkg/provider/stt/openai"
	"github.com/MrWong99/voxcmd/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML or TOML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the audio input devices and exit")
	transcribe := flag.String("transcribe", "", "run a WAV file through transcription and matching, print the matches and exit")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP on stdin/stdout instead of only over HTTP")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxcmd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxcmd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("voxcmd starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Transcription.Mode,
		"listen_addr", cfg.Server.ListenAddr,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The Prometheus exporter must be installed before the first metric
	// instrument is created.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxcmd",
		ServiceVersion: version,
		Attributes:     []attribute.KeyValue{attribute.String("transcription.mode", string(cfg.Transcription.Mode))},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, reg,
		app.WithSourceOpener(openSource),
		app.WithLogLevel(level),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *transcribe != "" {
		code := transcribeFile(ctx, application, reg, cfg, *transcribe)
		shutdown(application)
		return code
	}

	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				watcher.Reload()
			}
		}()
	}

	if *mcpStdio {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			// The client closing stdin ends the process.
			defer cancel()
			if err := application.MCP().Serve(mctx, mcp.TransportStdio); err != nil {
				slog.Error("mcp stdio error", "err", err)
			}
		}()
		ctx = mctx
	}

	slog.Info("voxcmd ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	slog.Info("shutdown signal received, stopping")
	if !shutdown(application) || (runErr != nil && !errors.Is(runErr, context.Canceled)) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func shutdown(a *app.App) bool {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return false
	}
	return true
}

// openSource opens the configured capture source. It lives here rather
// than in the app package so that only the binary links PortAudio.
func openSource(cfg config.AudioConfig, device int) (audio.Source, error) {
	if cfg.Source == config.SourceWAV {
		w, err := capture.OpenWAVFile(cfg.WAVPath, cfg.SampleRate, cfg.Realtime)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	src, err := capture.OpenPortAudio(device, cfg.SampleRate)
	if errors.Is(err, capture.ErrNoDevice) && device != capture.DefaultDevice {
		slog.Warn("capture device unavailable, using the default", "device", device)
		src, err = capture.OpenPortAudio(capture.DefaultDevice, cfg.SampleRate)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func printDevices() int {
	devs, err := capture.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxcmd: %v\n", err)
		return 1
	}
	if len(devs) == 0 {
		fmt.Println("no input devices found")
		return 0
	}
	for _, d := range devs {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Printf("%s %2d  %-40s  %d ch  %.0f Hz\n", mark, d.Index, d.Name, d.Channels, d.SampleRate)
	}
	return 0
}

// transcribeFile sends a WAV file chunk by chunk to the first one-shot
// provider and prints every transcript and match.
func transcribeFile(ctx context.Context, a *app.App, reg *config.Registry, cfg *config.Config, path string) int {
	samples, err := readWAV(ctx, path, cfg.Audio.SampleRate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxcmd: %v\n", err)
		return 1
	}

	oc := cfg.Transcription.OneShot
	if len(oc.Providers) == 0 {
		fmt.Fprintln(os.Stderr, "voxcmd: -transcribe needs a transcription.oneshot provider")
		return 1
	}
	entry := oc.Providers[0]
	if entry.Language == "" {
		entry.Language = oc.Language
	}
	tr, err := reg.CreateTranscriber(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxcmd: transcriber %q: %v\n", entry.Name, err)
		return 1
	}
	if c, ok := tr.(io.Closer); ok {
		defer c.Close()
	}

	cc := cfg.Audio.ChunkConfig()
	size, hop := cc.SamplesPerChunk(), cc.Hop()
	matches := 0
	for off := 0; off < len(samples); off += hop {
		chunk := samples[off:min(off+size, len(samples))]
		t, err := tr.Transcribe(ctx, stt.TranscribeRequest{
			WAV:        audio.EncodeWAV(chunk, cfg.Audio.SampleRate),
			SampleRate: cfg.Audio.SampleRate,
			Language:   entry.Language,
		})
		if err != nil {
			if ctx.Err() != nil {
				return 1
			}
			slog.Warn("transcribe chunk", "offset", off, "err", err)
			continue
		}
		at := time.Duration(off) * time.Second / time.Duration(cfg.Audio.SampleRate)
		t.IsFinal = true
		sub := a.Sessions().Submit(ctx, t)
		switch {
		case sub.Event != nil:
			matches++
			state := "fired"
			if sub.Event.Suppressed {
				state = "suppressed"
			}
			fmt.Printf("%8s  %-20s  %-10s  %q\n", at.Round(time.Millisecond), sub.Event.Group, state, sub.Text)
		case sub.Reason == "" && sub.Text != "":
			fmt.Printf("%8s  %-20s  %-10s  %q\n", at.Round(time.Millisecond), "-", "", sub.Text)
		}
		if off+size >= len(samples) {
			break
		}
	}
	fmt.Printf("%d match(es)\n", matches)
	return 0
}

func readWAV(ctx context.Context, path string, rate int) ([]float32, error) {
	src, err := capture.OpenWAVFile(path, rate, false)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var out []float32
	buf := make([]float32, 4096)
	for {
		n, err := src.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── One-shot transcription ────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, oaistt.WithLanguage(entry.Language))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTranscriber("whisper-server", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.URL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(entry.ModelPath, opts...)
	})

	// ── Streaming transcription ───────────────────────────────────────────────

	reg.RegisterStreaming("elevenlabs", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, elevenlabs.WithLanguage(entry.Language))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Intent LLM ────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// any-llm backends are registered under their own names. "openai" is
	// served by the native client above.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			} else if !anyllm.IsLocal(backend) {
				slog.Debug("intent: no api key configured, using the environment", "backend", backend)
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

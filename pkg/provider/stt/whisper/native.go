// This file contains the NativeTranscriber implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperSampleRate is the only input rate whisper.cpp accepts.
const whisperSampleRate = 16000

// Compile-time assertion that NativeTranscriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeTranscriber)(nil)

// NativeTranscriber implements stt.Transcriber using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across calls; each call gets its own inference context.
type NativeTranscriber struct {
	model    whisperlib.Model
	language string

	// closeMu guards model against use after Close.
	closeMu sync.RWMutex
	closed  bool
}

// NativeOption is a functional option for configuring a NativeTranscriber.
type NativeOption func(*NativeTranscriber)

// WithNativeLanguage sets the language code for transcription (e.g., "en",
// "de"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(t *NativeTranscriber) { t.language = lang }
}

// NewNative creates a NativeTranscriber that loads the whisper.cpp model from
// modelPath. The caller must call Close when it is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	t := &NativeTranscriber{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model. Transcribe calls after Close fail.
func (t *NativeTranscriber) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed || t.model == nil {
		return nil
	}
	t.closed = true
	return t.model.Close()
}

// Transcribe decodes req.WAV, resamples it to 16 kHz if needed and runs
// whisper.cpp inference. Inference is not interruptible; ctx is only checked
// before the work starts.
func (t *NativeTranscriber) Transcribe(ctx context.Context, req stt.TranscribeRequest) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	samples, rate, err := audio.DecodeWAV(req.WAV)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: decode audio: %w", err)
	}
	if rate != whisperSampleRate {
		samples = audio.Resample(samples, rate, whisperSampleRate)
	}
	lang := req.Language
	if lang == "" {
		lang = t.language
	}

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return stt.Transcript{}, errors.New("whisper: transcriber is closed")
	}

	text, err := t.infer(samples, lang, req.Prompt)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:       text,
		IsFinal:    true,
		Duration:   time.Duration(len(samples)) * time.Second / whisperSampleRate,
		ReceivedAt: time.Now(),
	}, nil
}

// infer runs whisper.cpp inference using a fresh context and returns the
// concatenated segment text.
func (t *NativeTranscriber) infer(samples []float32, lang, prompt string) (string, error) {
	// Contexts are not thread-safe, but the model can be shared.
	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}
	wctx.SetTemperature(0)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

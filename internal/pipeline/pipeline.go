// Package pipeline wires capture, chunking, voice activity detection,
// denoising and transcription into the command dispatcher.
//
// Three goroutines share one [audio.Ring]: capture pushes samples, the
// processing loop extracts overlapping chunks and hands them to a [Backend],
// and the consumer runs final transcripts through the transcript processor
// and the command dispatcher. Capture never blocks on anything but the
// device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/internal/transcript"
	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/MrWong99/voxcmd/pkg/provider/vad"
)

// DefaultPollInterval is how often the processing loop checks the ring.
const DefaultPollInterval = 10 * time.Millisecond

// ErrAlreadyRunning is returned by [Pipeline.Run] when called twice.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Config holds the components of a [Pipeline].
type Config struct {
	// Source is the initial capture source. Required.
	Source audio.Source

	// OpenSource opens the input device at index for [Pipeline.SetMicrophone].
	// May be nil, which disables device switching.
	OpenSource func(index int) (audio.Source, error)

	// DeviceIndex is the index Source was opened with, for status reports.
	DeviceIndex int

	// Chunk is the window geometry; its SampleRate is the pipeline rate.
	Chunk audio.ChunkConfig

	// RingCapacity in samples. Raised to one chunk plus one hop if smaller.
	RingCapacity int

	Calibration dsp.CalibratorConfig

	// CalibrateOnStart runs the calibrator before the first chunk unless a
	// stored profile for the same sample rate exists.
	CalibrateOnStart bool

	// SubtractBias scales the noise spectrum before subtraction.
	SubtractBias float32

	// Detector classifies chunks for gated backends. Required.
	Detector vad.Detector

	// Backend carries audio to the transcription service. Required.
	Backend Backend

	// Processor filters final transcripts. Required.
	Processor *transcript.Processor

	// Commands receives accepted transcripts. Required.
	Commands *command.Dispatcher

	// Prefs persists the microphone index and API key. May be nil.
	Prefs store.Store

	// Profiles persists calibration results. May be nil.
	Profiles store.ProfileStore

	// APIKeyName is the preference key [Pipeline.SetAPIKey] writes, e.g.
	// store.KeyOpenAIAPIKey.
	APIKeyName string

	// OnAPIKey rebuilds the backend credentials. May be nil.
	OnAPIKey func(key string) error

	// Events receives status events. A private hub is used when nil, which
	// lets a caller keep subscribers across pipeline restarts.
	Events *Hub

	Metrics      *observe.Metrics
	PollInterval time.Duration
}

// KeywordSetter is implemented by backends that accept recognition hints.
type KeywordSetter interface {
	SetKeywords(keywords []string)
}

// Status is a snapshot for health checks and the pipeline_status tool.
type Status struct {
	Listening   bool    `json:"listening"`
	Speaking    bool    `json:"speaking"`
	Calibrating bool    `json:"calibrating"`
	Backend     string  `json:"backend"`
	State       string  `json:"state"`
	Device      int     `json:"device"`
	BaselineRMS float32 `json:"baseline_rms"`
	Denoise     bool    `json:"denoise"`
	LastError   string  `json:"last_error,omitempty"`
}

// Pipeline is the running voice command engine. All exported methods are
// safe for concurrent use.
type Pipeline struct {
	cfg        Config
	ring       *audio.Ring
	ext        *audio.ChunkExtractor
	calibrator *dsp.Calibrator
	indicator  *vad.Indicator
	metrics    *observe.Metrics
	events     *Hub

	started     atomic.Bool
	capturing   atomic.Bool
	listening   atomic.Bool
	speaking    atomic.Bool
	calibrating atomic.Bool
	profile     atomic.Pointer[dsp.Profile]
	denoiser    atomic.Pointer[dsp.Denoiser]

	calMu sync.Mutex

	srcMu   sync.Mutex
	src     audio.Source
	device  int
	swapped chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// New validates cfg and returns a stopped pipeline that starts listening as
// soon as Run is called.
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("detector is required"))
	}
	if cfg.Backend == nil {
		errs = append(errs, errors.New("backend is required"))
	}
	if cfg.Processor == nil {
		errs = append(errs, errors.New("processor is required"))
	}
	if cfg.Commands == nil {
		errs = append(errs, errors.New("command dispatcher is required"))
	}
	if cfg.Chunk.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Events == nil {
		cfg.Events = &Hub{}
	}
	cfg.Calibration.SampleRate = cfg.Chunk.SampleRate
	cfg.RingCapacity = max(cfg.RingCapacity, cfg.Chunk.SamplesPerChunk()+cfg.Chunk.Hop())

	ring := audio.NewRing(cfg.RingCapacity)
	p := &Pipeline{
		cfg:        cfg,
		ring:       ring,
		ext:        audio.NewChunkExtractor(ring, cfg.Chunk),
		calibrator: dsp.NewCalibrator(ring, cfg.Calibration),
		indicator:  vad.NewIndicator(),
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		src:        cfg.Source,
		device:     cfg.DeviceIndex,
		swapped:    make(chan struct{}, 1),
	}
	p.listening.Store(true)
	p.SyncKeywords()
	return p, nil
}

// Run captures and processes audio until ctx is done or a fatal error
// occurs. It closes the capture source before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	slog.Info("pipeline: starting",
		"backend", p.cfg.Backend.Name(),
		"sample_rate", p.cfg.Chunk.SampleRate,
		"chunk_samples", p.ext.Size(),
		"hop", p.ext.HopSize(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.capture(ctx) })
	g.Go(func() error {
		if err := p.cfg.Backend.Run(ctx); err != nil && ctx.Err() == nil {
			// Keep capturing so status and simulation stay available.
			slog.Error("pipeline: transcription backend stopped", "backend", p.cfg.Backend.Name(), "err", err)
			p.setErr(err)
		}
		return nil
	})
	g.Go(func() error { return p.consume(ctx) })
	g.Go(func() error { return p.process(ctx) })
	err := g.Wait()
	slog.Info("pipeline: stopped", "err", err)
	return err
}

// capture moves samples from the current source into the ring. Read
// failures push silence so that chunk timing keeps advancing.
func (p *Pipeline) capture(ctx context.Context) error {
	p.capturing.Store(true)
	defer p.capturing.Store(false)

	rate := p.cfg.Chunk.SampleRate
	buf := make([]float32, max(rate/50, 64))
	blockDur := time.Duration(len(buf)) * time.Second / time.Duration(rate)
	cur := p.source()
	defer func() {
		if err := p.source().Close(); err != nil {
			slog.Warn("pipeline: close capture source", "err", err)
		}
	}()

	failing := false
	for {
		if s := p.source(); s != cur {
			if err := cur.Close(); err != nil {
				slog.Warn("pipeline: close previous capture source", "err", err)
			}
			cur = s
			failing = false
		}

		n, err := cur.Read(ctx, buf)
		if n > 0 {
			p.ring.Push(buf[:n])
		}
		switch {
		case err == nil:
			failing = false
			continue
		case ctx.Err() != nil:
			return nil
		case p.source() != cur:
			continue
		case errors.Is(err, io.EOF):
			slog.Info("pipeline: capture source exhausted")
			select {
			case <-ctx.Done():
				return nil
			case <-p.swapped:
				continue
			}
		}

		if !failing {
			slog.Warn("pipeline: capture read failed, substituting silence", "err", err)
			p.metrics.RecordProviderError(ctx, "capture", "read")
			failing = true
		}
		clear(buf)
		p.ring.Push(buf)
		t := time.NewTimer(blockDur)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// process is the single ring reader.
func (p *Pipeline) process(ctx context.Context) error {
	p.initProfile(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			c, ok := p.ext.Next()
			if !ok {
				break
			}
			if err := p.handle(ctx, c); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) initProfile(ctx context.Context) {
	rate := p.cfg.Chunk.SampleRate
	if p.cfg.Profiles != nil {
		prof, err := p.cfg.Profiles.LoadProfile(ctx)
		switch {
		case err == nil && prof.SampleRate == rate:
			slog.Info("pipeline: using stored calibration", "baseline_rms", prof.BaselineRMS, "calibrated_at", prof.CalibratedAt)
			p.applyProfile(&prof)
			return
		case err == nil:
			slog.Info("pipeline: stored calibration has a different sample rate, ignoring", "stored", prof.SampleRate, "rate", rate)
		case !errors.Is(err, store.ErrNotFound):
			slog.Warn("pipeline: load calibration", "err", err)
		}
	}
	if p.cfg.CalibrateOnStart {
		if _, err := p.Recalibrate(ctx); err != nil {
			slog.Warn("pipeline: initial calibration", "err", err)
		}
		return
	}
	p.applyProfile(dsp.DefaultProfile(rate, p.cfg.Calibration.FFTSize))
}

// handle runs one chunk through the indicator, VAD, denoiser and backend.
func (p *Pipeline) handle(ctx context.Context, c audio.Chunk) error {
	p.metrics.ChunksProcessed.Add(ctx, 1)

	hop := min(c.Hop, len(c.Samples))
	fresh := c.Samples[len(c.Samples)-hop:]
	freshAt := c.Timestamp + time.Duration(len(c.Samples)-hop)*time.Second/time.Duration(c.SampleRate)
	p.indicate(fresh, freshAt)

	if p.calibrating.Load() {
		p.metrics.RecordChunkDropped(ctx, DropCalibrating)
		return nil
	}
	if !p.listening.Load() {
		p.metrics.RecordChunkDropped(ctx, DropPaused)
		return nil
	}

	seg := Segment{
		Samples:    c.Samples,
		Fresh:      fresh,
		SampleRate: c.SampleRate,
		Stats:      c.Stats,
		At:         c.Timestamp,
	}
	if p.cfg.Backend.Gated() {
		dec := p.cfg.Detector.Classify(c.Samples)
		p.metrics.SpeechRatio.Record(ctx, dec.SpeechFraction)
		if !dec.Speech {
			p.metrics.RecordChunkDropped(ctx, DropSilence)
			return nil
		}
		if d := p.denoiser.Load(); d != nil {
			out, err := d.Process(c.Samples)
			switch {
			case errors.Is(err, dsp.ErrNotPowerOfTwo):
				return fmt.Errorf("pipeline: denoise: %w", err)
			case err != nil:
				slog.Warn("pipeline: denoise failed, sending raw audio", "err", err)
			default:
				seg.Samples = out
			}
		}
	}

	if reason := p.cfg.Backend.Send(seg); reason != "" {
		p.metrics.RecordChunkDropped(ctx, reason)
	}
	return nil
}

func (p *Pipeline) indicate(samples []float32, at time.Duration) {
	ev := p.indicator.Process(samples, at)
	switch ev.Type {
	case vad.VADSpeechStart:
		p.speaking.Store(true)
		p.events.Publish(Event{Type: EventSpeechStart, At: time.Now(), Level: ev.Level})
	case vad.VADSpeechEnd:
		p.speaking.Store(false)
		p.events.Publish(Event{Type: EventSpeechEnd, At: time.Now(), Level: ev.Level})
	}
}

// consume filters final transcripts and dispatches the accepted ones.
func (p *Pipeline) consume(ctx context.Context) error {
	for t := range p.cfg.Backend.Finals() {
		p.Submit(ctx, t)
	}
	return nil
}

// Submission is the outcome of [Pipeline.Submit].
type Submission struct {
	// Text is the normalised and corrected transcript.
	Text string `json:"text"`

	// Reason is empty when the transcript was accepted.
	Reason string `json:"reason,omitempty"`

	// Event is set when a command group matched, suppressed or not.
	Event *command.Event `json:"event,omitempty"`
}

// Submit runs a final transcript through the transcript processor and the
// command dispatcher as if the backend had produced it.
func (p *Pipeline) Submit(ctx context.Context, t stt.Transcript) Submission {
	res := p.cfg.Processor.Process(t)
	p.events.Publish(Event{Type: EventTranscript, At: time.Now(), Text: res.Text, Reason: string(res.Reason)})
	sub := Submission{Text: res.Text, Reason: string(res.Reason)}
	if !res.Accepted() {
		p.metrics.RecordTranscriptFiltered(ctx, string(res.Reason))
		slog.Debug("pipeline: transcript filtered", "text", t.Text, "reason", res.Reason)
		return sub
	}
	for _, c := range res.Corrections {
		slog.Debug("pipeline: corrected", "from", c.Original, "to", c.Corrected)
	}
	if ev, ok := p.cfg.Commands.Dispatch(ctx, res.Text); ok {
		sub.Event = &ev
	}
	return sub
}

// Recalibrate measures ambient noise, updates the VAD threshold and the
// denoiser and persists the profile. Chunks are dropped while it runs.
func (p *Pipeline) Recalibrate(ctx context.Context) (*dsp.Profile, error) {
	p.calMu.Lock()
	defer p.calMu.Unlock()
	p.calibrating.Store(true)
	defer p.calibrating.Store(false)

	prof := p.calibrator.Run(ctx)
	p.applyProfile(prof)

	if p.cfg.Profiles != nil {
		if err := p.cfg.Profiles.SaveProfile(ctx, *prof); err != nil {
			return prof, fmt.Errorf("pipeline: save calibration: %w", err)
		}
	}
	return prof, nil
}

func (p *Pipeline) applyProfile(prof *dsp.Profile) {
	p.profile.Store(prof)
	p.cfg.Detector.SetBaseline(prof.BaselineRMS)

	var d *dsp.Denoiser
	if p.cfg.Calibration.Denoise && prof.HasSpectrum() {
		dn, err := dsp.NewDenoiser(prof.FFTSize, p.cfg.SubtractBias, prof.NoiseSpectrum)
		if err != nil {
			slog.Warn("pipeline: denoiser disabled", "err", err)
		} else {
			d = dn
		}
	}
	p.denoiser.Store(d)
	p.events.Publish(Event{Type: EventCalibrated, At: time.Now(), Level: prof.BaselineRMS})
}

// Start resumes sending audio.
func (p *Pipeline) Start() { p.setListening(true) }

// Stop pauses sending audio. Capture keeps running so that resuming is
// instant and the indicator stays live.
func (p *Pipeline) Stop() { p.setListening(false) }

// Toggle flips listening and returns the new state.
func (p *Pipeline) Toggle() bool {
	for {
		cur := p.listening.Load()
		if p.listening.CompareAndSwap(cur, !cur) {
			p.announceListening(!cur)
			return !cur
		}
	}
}

// Listening reports whether audio is being sent.
func (p *Pipeline) Listening() bool { return p.listening.Load() }

func (p *Pipeline) setListening(v bool) {
	if p.listening.Swap(v) != v {
		p.announceListening(v)
	}
}

func (p *Pipeline) announceListening(v bool) {
	slog.Info("pipeline: listening changed", "listening", v)
	p.events.Publish(Event{Type: EventListening, At: time.Now(), Listening: v})
}

// SetMicrophone switches capture to the device at index and persists the
// choice. The previous source is closed by the capture loop.
func (p *Pipeline) SetMicrophone(ctx context.Context, index int) error {
	if p.cfg.OpenSource == nil {
		return errors.New("pipeline: device selection is not available for this source")
	}
	src, err := p.cfg.OpenSource(index)
	if err != nil {
		return fmt.Errorf("pipeline: open device %d: %w", index, err)
	}

	p.srcMu.Lock()
	old := p.src
	p.src = src
	p.device = index
	p.srcMu.Unlock()
	select {
	case p.swapped <- struct{}{}:
	default:
	}
	if !p.capturing.Load() {
		_ = old.Close()
	}

	slog.Info("pipeline: microphone changed", "device", index)
	p.events.Publish(Event{Type: EventDevice, At: time.Now(), Device: index})

	if p.cfg.Prefs != nil {
		if err := p.cfg.Prefs.Set(ctx, store.KeyMicDeviceIndex, strconv.Itoa(index)); err != nil {
			return fmt.Errorf("pipeline: persist device: %w", err)
		}
	}
	return nil
}

// SetAPIKey rebuilds the backend with key and persists it. An empty key
// removes the stored one.
func (p *Pipeline) SetAPIKey(ctx context.Context, key string) error {
	if p.cfg.APIKeyName == "" {
		return errors.New("pipeline: backend takes no api key")
	}
	if p.cfg.OnAPIKey != nil {
		if err := p.cfg.OnAPIKey(key); err != nil {
			return fmt.Errorf("pipeline: apply api key: %w", err)
		}
	}
	if p.cfg.Prefs == nil {
		return nil
	}
	var err error
	if key == "" {
		err = p.cfg.Prefs.Delete(ctx, p.cfg.APIKeyName)
	} else {
		err = p.cfg.Prefs.Set(ctx, p.cfg.APIKeyName, key)
	}
	if err != nil {
		return fmt.Errorf("pipeline: persist api key: %w", err)
	}
	return nil
}

// SyncKeywords pushes the registered command keywords to the transcript
// processor and, when supported, to the backend.
func (p *Pipeline) SyncKeywords() {
	kws := p.cfg.Commands.Matcher().Registry().Keywords()
	p.cfg.Processor.SetKeywords(kws)
	if ks, ok := p.cfg.Backend.(KeywordSetter); ok {
		ks.SetKeywords(kws)
	}
}

// Subscribe returns a channel of status events. Slow subscribers miss
// events instead of stalling the pipeline. Call cancel to unsubscribe.
func (p *Pipeline) Subscribe(buf int) (<-chan Event, func()) {
	return p.events.Subscribe(buf)
}

// Profile returns the active calibration profile, or nil before the first
// one is applied.
func (p *Pipeline) Profile() *dsp.Profile { return p.profile.Load() }

// Status returns a snapshot of the pipeline state.
func (p *Pipeline) Status() Status {
	st := Status{
		Listening:   p.listening.Load(),
		Speaking:    p.speaking.Load(),
		Calibrating: p.calibrating.Load(),
		Backend:     p.cfg.Backend.Name(),
		State:       p.cfg.Backend.State(),
		Denoise:     p.denoiser.Load() != nil,
	}
	if prof := p.profile.Load(); prof != nil {
		st.BaselineRMS = prof.BaselineRMS
	}
	p.srcMu.Lock()
	st.Device = p.device
	p.srcMu.Unlock()
	p.errMu.Lock()
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	p.errMu.Unlock()
	return st
}

func (p *Pipeline) source() audio.Source {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()
	return p.src
}

func (p *Pipeline) setErr(err error) {
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
}

// SetKeywords implements [KeywordSetter] by boosting every keyword equally.
func (b *StreamingBackend) SetKeywords(keywords []string) {
	boosts := make([]stt.KeywordBoost, len(keywords))
	for i, kw := range keywords {
		boosts[i] = stt.KeywordBoost{Keyword: kw, Boost: 1}
	}
	b.Session.SetKeywords(boosts)
}

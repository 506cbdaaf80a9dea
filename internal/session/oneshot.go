package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// One-shot defaults.
const (
	DefaultMaxConcurrent = 2
	DefaultQueueSize     = 32
)

// DispatcherConfig configures a one-shot [Dispatcher].
type DispatcherConfig struct {
	// Transcriber handles each chunk. Required; replaceable with
	// [Dispatcher.SetTranscriber].
	Transcriber stt.Transcriber

	// Name labels logs and metrics.
	Name string

	// MaxConcurrent bounds in-flight Transcribe calls. Default: 2.
	MaxConcurrent int

	// QueueSize bounds chunks waiting for a slot. Submit drops chunks once
	// it is full. Default: 32.
	QueueSize int

	// Language is forwarded on every request.
	Language string

	// Prompt returns the biasing hint for the next request. May be nil.
	Prompt func() string

	// Metrics records request latency and queue depth. May be nil.
	Metrics *observe.Metrics
}

// Job is one encoded chunk waiting for transcription.
type Job struct {
	WAV        []byte
	SampleRate int
	Duration   time.Duration
}

// Dispatcher sends chunks to a [stt.Transcriber] in FIFO order with bounded
// concurrency. Results arrive on Finals in completion order.
type Dispatcher struct {
	cfg    DispatcherConfig
	queue  chan Job
	sem    *semaphore.Weighted
	finals chan stt.Transcript

	started atomic.Bool
	wg      sync.WaitGroup

	mu   sync.RWMutex
	tr   stt.Transcriber
	name string
}

// NewDispatcher returns an unstarted one-shot dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Name == "" {
		cfg.Name = "oneshot"
	}
	return &Dispatcher{
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		finals: make(chan stt.Transcript, cfg.QueueSize),
		tr:     cfg.Transcriber,
		name:   cfg.Name,
	}
}

// Finals delivers final transcripts. It is closed when Run returns.
func (d *Dispatcher) Finals() <-chan stt.Transcript { return d.finals }

// Pending returns the number of queued chunks.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// SetTranscriber swaps the backend for subsequent requests.
func (d *Dispatcher) SetTranscriber(tr stt.Transcriber, name string) {
	d.mu.Lock()
	d.tr = tr
	if name != "" {
		d.name = name
	}
	d.mu.Unlock()
}

// Submit enqueues a chunk without blocking. It reports false when the queue
// is full.
func (d *Dispatcher) Submit(job Job) bool {
	select {
	case d.queue <- job:
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.QueueDepth.Add(context.Background(), 1)
		}
		return true
	default:
		return false
	}
}

// Run takes jobs from the queue until ctx is done, then waits for in-flight
// requests. It returns [ErrClosed] when called twice.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrClosed
	}
	defer close(d.finals)
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.discardQueued()
			return nil
		case job := <-d.queue:
			err := d.sem.Acquire(ctx, 1)
			d.dequeued(1)
			if err != nil {
				d.discardQueued()
				return nil
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer d.sem.Release(1)
				d.transcribe(ctx, job)
			}()
		}
	}
}

func (d *Dispatcher) dequeued(n int64) {
	if d.cfg.Metrics != nil && n > 0 {
		d.cfg.Metrics.QueueDepth.Add(context.Background(), -n)
	}
}

// discardQueued empties the queue on shutdown.
func (d *Dispatcher) discardQueued() {
	var n int64
	for {
		select {
		case <-d.queue:
			n++
		default:
			d.dequeued(n)
			if n > 0 {
				slog.Debug("session: discarded queued chunks on shutdown", "chunks", n)
			}
			return
		}
	}
}

func (d *Dispatcher) transcribe(ctx context.Context, job Job) {
	d.mu.RLock()
	tr, name := d.tr, d.name
	d.mu.RUnlock()
	if tr == nil {
		return
	}

	ctx, span := observe.StartSpan(ctx, "session.transcribe")
	defer span.End()

	req := stt.TranscribeRequest{
		WAV:        job.WAV,
		SampleRate: job.SampleRate,
		Language:   d.cfg.Language,
	}
	if d.cfg.Prompt != nil {
		req.Prompt = d.cfg.Prompt()
	}

	start := time.Now()
	t, err := tr.Transcribe(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		status := "error"
		if errors.Is(err, stt.ErrAuth) {
			status = "auth"
			observe.Logger(ctx).Error("session: transcription rejected credentials", "provider", name, "err", err)
		} else {
			observe.Logger(ctx).Warn("session: transcription failed", "provider", name, "err", err)
		}
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordSTTRequest(ctx, name, status, elapsed)
			d.cfg.Metrics.RecordProviderError(ctx, name, status)
		}
		return
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordSTTRequest(ctx, name, "ok", elapsed)
	}

	if strings.TrimSpace(t.Text) == "" {
		return
	}
	t.IsFinal = true
	if t.Duration == 0 {
		t.Duration = job.Duration
	}
	slog.Debug("session: transcribed", "provider", name, "text", t.Text, "latency", elapsed)

	select {
	case d.finals <- t:
	case <-ctx.Done():
	}
}

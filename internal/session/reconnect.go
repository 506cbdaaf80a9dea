package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultMaxDelay   = 30 * time.Second
)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the maximum number of attempts per sequence.
	// Defaults to 10 if zero.
	MaxRetries int

	// MaxDelay caps the backoff between attempts. Defaults to 30s if zero.
	MaxDelay time.Duration

	// OnAttempt is called before each attempt that follows a failure or a
	// close. May be nil.
	OnAttempt func(attempt int, cause Cause, delay time.Duration)

	// Sleep waits for d or until ctx is done. Defaults to a timer; tests
	// replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reconnector runs connect attempts with cause-dependent backoff. The first
// delay depends on what went wrong ([FirstDelay]); every further failure
// doubles it up to MaxDelay. Only one sequence runs at a time.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	maxRetries int
	maxDelay   time.Duration
	onAttempt  func(int, Cause, time.Duration)
	sleep      func(context.Context, time.Duration) error

	running atomic.Bool
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Reconnector{
		maxRetries: maxRetries,
		maxDelay:   maxDelay,
		onAttempt:  cfg.OnAttempt,
		sleep:      sleep,
	}
}

// Running reports whether a sequence is in flight.
func (r *Reconnector) Running() bool { return r.running.Load() }

// Run calls connect until it succeeds, ctx is done, or MaxRetries attempts
// failed. cause sets the delay before the first attempt. Failures are
// classified with [ClassifyError] to pick the next delay.
func (r *Reconnector) Run(ctx context.Context, cause Cause, connect func(context.Context) error) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrReconnectInProgress
	}
	defer r.running.Store(false)

	delay := FirstDelay(cause)
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if cause != CauseNone && r.onAttempt != nil {
			r.onAttempt(attempt, cause, delay)
		}
		if delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := connect(ctx)
		if err == nil {
			if attempt > 1 || cause != CauseNone {
				slog.Info("session: reconnected", "attempt", attempt, "cause", cause)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		cause = ClassifyError(err)
		delay = r.backoff(cause, attempt)
		slog.Warn("session: connect attempt failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"cause", cause,
			"next_delay", delay,
			"err", err,
		)
	}

	slog.Error("session: reconnect failed after max retries", "max_retries", r.maxRetries, "err", lastErr)
	return fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// backoff returns FirstDelay(cause) doubled once per failed attempt.
func (r *Reconnector) backoff(cause Cause, failures int) time.Duration {
	d := FirstDelay(cause)
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	return min(d, r.maxDelay)
}

// ClassifyError maps a StartStream error onto a reconnect cause.
func ClassifyError(err error) Cause {
	if errors.Is(err, stt.ErrToken) {
		return CauseToken
	}
	return CauseConnect
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

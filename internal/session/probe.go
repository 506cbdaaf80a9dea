package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Probe defaults.
const (
	DefaultProbeURL      = "https://clients3.google.com/generate_204"
	DefaultProbeInterval = 3 * time.Second
	DefaultProbeTimeout  = time.Second
)

// ProberConfig configures a [Prober].
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// Prober polls a URL with HEAD requests and reports reachability changes.
// Any 2xx answer within Timeout counts as online.
type Prober struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client

	online  atomic.Bool
	changes chan bool
}

// NewProber returns a Prober that starts out assuming the network is up.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.URL == "" {
		cfg.URL = DefaultProbeURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	p := &Prober{
		url:      cfg.URL,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		client:   cfg.Client,
		changes:  make(chan bool, 1),
	}
	p.online.Store(true)
	return p
}

// Online reports the last observed reachability.
func (p *Prober) Online() bool { return p.online.Load() }

// Changes delivers the new reachability each time it flips. Only the latest
// value is kept when the reader falls behind.
func (p *Prober) Changes() <-chan bool { return p.changes }

// Check performs a single probe and returns whether it succeeded.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.update(p.Check(ctx))
		}
	}
}

func (p *Prober) update(up bool) {
	if p.online.Swap(up) == up {
		return
	}
	if up {
		slog.Info("session: network reachable again", "url", p.url)
	} else {
		slog.Warn("session: network unreachable", "url", p.url)
	}
	// Replace a stale unread value with the latest one.
	select {
	case <-p.changes:
	default:
	}
	select {
	case p.changes <- up:
	default:
	}
}

package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/transcript"
)

// Recorder persists dispatched events. Implemented by the event journal.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// IntentClassifier maps an utterance that matched no keyword to one of
// groups. It returns an empty name when nothing fits.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, groups []Group) (name string, confidence float64, err error)
}

// Dispatcher runs handlers for matched transcripts and fans events out to
// subscribers.
type Dispatcher struct {
	matcher  *Matcher
	metrics  *observe.Metrics
	recorder Recorder
	intent   IntentClassifier

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics records dispatched and suppressed commands on m.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRecorder appends every event to r.
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithIntent enables the classifier fallback for unmatched transcripts.
func WithIntent(c IntentClassifier) DispatcherOption {
	return func(d *Dispatcher) { d.intent = c }
}

// NewDispatcher returns a Dispatcher using matcher for lookup and cooldown.
func NewDispatcher(matcher *Matcher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		matcher: matcher,
		subs:    make(map[int]chan Event),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Matcher returns the underlying matcher.
func (d *Dispatcher) Matcher() *Matcher { return d.matcher }

// SetIntent swaps the intent classifier. nil disables the fallback.
func (d *Dispatcher) SetIntent(c IntentClassifier) {
	d.subMu.Lock()
	d.intent = c
	d.subMu.Unlock()
}

// Dispatch matches a final transcript and fires the first matching group.
// It reports false when nothing matched. A suppressed match still returns
// true with ev.Suppressed set; its handler is not called.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (Event, bool) {
	text = transcript.Normalize(text)
	if text == "" {
		return Event{}, false
	}
	if m, ok := d.matcher.Find(text); ok {
		return d.fire(ctx, m.Group, m.Keyword, text, SourceVoice, m.Method, 0), true
	}

	d.subMu.Lock()
	ic := d.intent
	d.subMu.Unlock()
	if ic == nil {
		return Event{}, false
	}
	groups := d.matcher.Registry().Groups()
	name, conf, err := ic.Classify(ctx, text, groups)
	if err != nil {
		slog.Debug("command: intent classification failed", "err", err)
		return Event{}, false
	}
	if name == "" {
		return Event{}, false
	}
	g, ok := d.matcher.Registry().Lookup(name)
	if !ok {
		slog.Debug("command: intent named unknown group", "group", name)
		return Event{}, false
	}
	return d.fire(ctx, g, g.Keywords[0], text, SourceIntent, MethodIntent, conf), true
}

// Simulate fires the first keyword of the named group through the normal
// cooldown path, as if it had been spoken.
func (d *Dispatcher) Simulate(ctx context.Context, groupName string) (Event, error) {
	g, ok := d.matcher.Registry().Lookup(groupName)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownGroup, groupName)
	}
	kw := g.Keywords[0]
	return d.fire(ctx, g, kw, kw, SourceSimulate, MethodDirect, 0), nil
}

func (d *Dispatcher) fire(ctx context.Context, g Group, kw, text string, src Source, method Method, conf float64) Event {
	at, allowed := d.matcher.allow(kw)
	ev := Event{
		Group:      g.Name,
		Keyword:    kw,
		Text:       text,
		At:         at,
		Suppressed: !allowed,
		Source:     src,
		Method:     method,
		Confidence: conf,
	}

	if allowed {
		slog.Info("command: dispatched", "group", g.Name, "keyword", kw, "source", src, "method", method)
		if g.Handler != nil {
			if err := g.Handler(ctx, ev); err != nil {
				ev.Error = err.Error()
				slog.Warn("command: handler failed", "group", g.Name, "err", err)
			}
		}
	} else {
		slog.Debug("command: suppressed by cooldown", "group", g.Name, "keyword", kw)
	}

	if d.metrics != nil {
		d.metrics.RecordCommand(ctx, g.Name, string(src), ev.Suppressed)
	}
	if d.recorder != nil && !ev.Suppressed {
		if err := d.recorder.Record(ctx, ev); err != nil {
			slog.Warn("command: journal write failed", "err", err)
		}
	}
	d.publish(ev)
	return ev
}

// Subscribe returns a channel receiving every event, dispatched or
// suppressed, and a func that unsubscribes and closes it. Events are dropped
// for subscribers whose buffer is full.
func (d *Dispatcher) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
			close(ch)
		})
	}
}

func (d *Dispatcher) publish(ev Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

package pipeline

import (
	"sync"
	"time"
)

// EventType names a pipeline status event.
type EventType string

const (
	EventSpeechStart EventType = "speech_start"
	EventSpeechEnd   EventType = "speech_end"
	EventListening   EventType = "listening"
	EventTranscript  EventType = "transcript"
	EventCalibrated  EventType = "calibrated"
	EventDevice      EventType = "device"
)

// Event is a status change for UIs: voice indicator edges, listening
// toggles, transcripts and calibration results.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// Level is the mean |sample| for speech events and the baseline RMS for
	// calibration events.
	Level float32 `json:"level,omitempty"`

	// Listening is set for listening events.
	Listening bool `json:"listening,omitempty"`

	// Text and Reason are set for transcript events; Reason is empty when
	// the transcript was accepted.
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Device is set for device events.
	Device int `json:"device,omitempty"`
}

// Hub fans events out to subscribers without blocking the publisher. The
// zero value is ready to use.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// Subscribe registers a subscriber with the given buffer. Call cancel to
// unsubscribe; it closes the channel.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, max(buf, 1))
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish drops the event for subscribers whose buffer is full.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

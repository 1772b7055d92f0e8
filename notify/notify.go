// Package notify carries lifecycle events from the recording engine to
// control-plane subscribers. Emission is exactly-once per transition and is
// owned by the emitter (session/download code); the hub only fans events out,
// never blocking an emitter on a slow or absent subscriber.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventRecordingStarted  EventType = "recording_started"
	EventRecordingStopped  EventType = "recording_stopped"
	EventDownloadCompleted EventType = "download_completed"
	EventDownloadFailed    EventType = "download_failed"
	EventWarning           EventType = "warning"
)

// Event is one lifecycle notification. Fields not applicable to the event
// type are zero and omitted from the wire encoding.
type Event struct {
	Type            EventType     `json:"type"`
	At              time.Time     `json:"at"`
	ChannelID       string        `json:"channel_id,omitempty"`
	ChannelName     string        `json:"channel_name,omitempty"`
	JobID           string        `json:"job_id,omitempty"`
	Title           string        `json:"title,omitempty"`
	Path            string        `json:"path,omitempty"`
	FileSize        string        `json:"file_size,omitempty"`
	StreamStartedAt time.Time     `json:"stream_started_at,omitempty"`
	RecordStartedAt time.Time     `json:"record_started_at,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	Message         string        `json:"message,omitempty"`
}

// subscriberBuffer bounds how far a consumer may lag before events are
// dropped for it. Drops are counted and logged, never propagated back.
const subscriberBuffer = 64

// Hub fans events out to any number of subscribers.
type Hub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped func() // metrics hook, may be nil
	logger  *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: slog.Default().With(slog.String("component", "notify")),
	}
}

// OnDrop registers a hook invoked whenever an event is dropped for a
// subscriber. Used to wire the dropped-notifications counter.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	h.dropped = fn
	h.mu.Unlock()
}

// Subscribe registers a consumer. The returned cancel func must be called
// when the consumer goes away; the channel is closed by cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber without blocking. A
// subscriber whose buffer is full loses the event.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			if h.dropped != nil {
				h.dropped()
			}
			h.logger.Warn("subscriber lagging, event dropped",
				slog.Int("subscriber", id), slog.String("event", string(ev.Type)))
		}
	}
}

// Subscribers returns the current consumer count (used by /status).
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

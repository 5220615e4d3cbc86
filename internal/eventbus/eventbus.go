// Package eventbus implements the coordinator's in-process typed
// publish/subscribe dispatcher (spec §4.2, component C4).
//
// Grounded on the reference service's internal/websocket EventManager:
// topic-indexed subscriber storage guarded by a mutex, panic-isolated
// callback dispatch, and a counters-style stats surface. Unlike that
// server's per-client filtered subscriptions, this bus has a fixed,
// enumerated topic set and plain per-topic callback registration,
// because the coordinator's only remote consumer (the control plane)
// subscribes to everything and broadcasts every event to all of its
// WebSocket clients.
package eventbus

import (
	"sync"
	"time"

	"github.com/usda-vision/coordinator/internal/logging"
)

// Topic is one of the fixed event types the coordinator publishes.
type Topic string

const (
	TopicMachineStateChanged Topic = "machine_state_changed"
	TopicCameraStatusChanged Topic = "camera_status_changed"
	TopicRecordingStarted    Topic = "recording_started"
	TopicRecordingStopped    Topic = "recording_stopped"
	TopicRecordingError      Topic = "recording_error"
	TopicBusConnected        Topic = "bus_connected"
	TopicBusDisconnected     Topic = "bus_disconnected"
	TopicSystemShutdown      Topic = "system_shutdown"
)

var allTopics = map[Topic]bool{
	TopicMachineStateChanged: true,
	TopicCameraStatusChanged: true,
	TopicRecordingStarted:    true,
	TopicRecordingStopped:    true,
	TopicRecordingError:      true,
	TopicBusConnected:        true,
	TopicBusDisconnected:     true,
	TopicSystemShutdown:      true,
}

// Event is one published occurrence.
type Event struct {
	Topic     Topic
	Source    string
	Data      map[string]interface{}
	Timestamp time.Time
	Seq       uint64
}

// Handler receives a published event. It must not block on I/O; a slow
// handler backpressures the publisher (spec §4.2).
type Handler func(Event)

const ringCapacity = 1000

// Bus is the coordinator's event dispatcher: synchronous, in-order
// per-topic fan-out with a bounded history ring for diagnostics.
type Bus struct {
	mu       sync.Mutex
	handlers map[Topic][]Handler
	ring     []Event
	ringHead int
	seq      uint64
	logger   *logging.Logger
}

// New creates an empty Bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler to be invoked, synchronously on the
// publisher's goroutine, for every event published on topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers event to every subscriber of topic, in registration
// order, isolating panics per-subscriber, then records it in the
// diagnostic ring. Returns the assigned sequence number.
func (b *Bus) Publish(topic Topic, source string, data map[string]interface{}, now time.Time) uint64 {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	ev := Event{Topic: topic, Source: source, Data: data, Timestamp: now, Seq: seq}
	b.appendRing(ev)
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatchOne(h, ev)
	}
	return seq
}

func (b *Bus) dispatchOne(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithField("topic", string(ev.Topic)).Errorf("event subscriber panicked: %v", r)
		}
	}()
	h(ev)
}

func (b *Bus) appendRing(ev Event) {
	if len(b.ring) < ringCapacity {
		b.ring = append(b.ring, ev)
		return
	}
	b.ring[b.ringHead] = ev
	b.ringHead = (b.ringHead + 1) % ringCapacity
}

// Recent returns up to limit of the most recently published events,
// newest last.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	if n < ringCapacity {
		out = append(out, b.ring[n-limit:]...)
		return out
	}
	for i := 0; i < limit; i++ {
		idx := (b.ringHead + (ringCapacity - limit) + i) % ringCapacity
		out = append(out, b.ring[idx])
	}
	return out
}

// IsValidTopic reports whether topic is one of the fixed enumerated
// topics the bus accepts.
func IsValidTopic(topic Topic) bool { return allTopics[topic] }

// Package streaming provides in-memory pub/sub for session lifecycle
// events, with a per-session ring buffer so late subscribers can replay
// recent history (Last-Event-ID style resumption).
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one session lifecycle event.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the JSON payload for wire transports and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const defaultCapacity = 256

// Manager fans session events out to subscribers. Slow subscribers drop
// events rather than blocking the publisher.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay
	history  map[string]*ring
	capacity int
}

// NewManager creates a manager with the given history capacity per
// session; non-positive selects the default.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Publish records and fans out one event. Satisfies the orchestrator's
// event sink.
func (m *Manager) Publish(sessionID, eventType, message string) {
	evt := Event{
		SessionID: sessionID,
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	m.mu.Unlock()

	// Fan out under the read lock: Subscribe/Unsubscribe mutate the
	// subscriber map and close channels under the write lock, so a send
	// can never race a map write or a close.
	m.mu.RLock()
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	m.mu.RUnlock()
}

// Subscribe adds a subscriber channel for a session; the caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[sessionID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// ReplaySince returns events with Seq > since, best effort within the
// ring capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards a session's history and closes its subscribers. Called on
// session eviction.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.history, sessionID)
	if subs, ok := m.subscribers[sessionID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, sessionID)
	}
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

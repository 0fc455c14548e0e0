package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/opencorpora/researchd/internal/metrics"
)

// Manager provides in-memory pub/sub for session progress events. Unlike
// a best-effort fan-out, Publish blocks when a subscriber's buffer is
// full: the producer slows down rather than drop an event, so every
// subscriber sees the complete ordered log.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	// how long a finished session's history stays replayable before
	// Drop reclaims it
	retention time.Duration
}

var (
	defaultMgr       *Manager
	once             sync.Once
	defaultCapacity  = 256
	defaultRetention = 5 * time.Minute
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity)
	})
	return defaultMgr
}

// NewManager returns a manager whose replay rings hold capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retention:   defaultRetention,
	}
}

// SetRetention overrides how long terminal session histories remain
// replayable. Zero or negative drops them immediately.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
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
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel. The channel is left open
// (a concurrent Publish may still hold a reference); the subscriber
// simply stops receiving and the channel is garbage collected.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish appends evt to the session log and delivers it to every
// subscriber, blocking on slow ones until ctx is canceled. Sequence
// numbers are assigned here, so issuance order is delivery order.
func (m *Manager) Publish(ctx context.Context, sessionID string, evt Event) error {
	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := make([]chan Event, 0, len(m.subscribers[sessionID]))
	for ch := range m.subscribers[sessionID] {
		subs = append(subs, ch)
	}
	retention := m.retention
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	// A terminal event ends the session; reclaim its history after the
	// replay grace window.
	if evt.Terminal() {
		if retention <= 0 {
			m.Drop(sessionID)
		} else {
			time.AfterFunc(retention, func() { m.Drop(sessionID) })
		}
	}

	for _, ch := range subs {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity), in order.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards the session's history. Publish schedules this after the
// retention window once a terminal event lands.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
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
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the queue length of a subscription.
const DefaultBuffer = 64

// Hub fans out events to subscriptions. The zero value is not usable; use
// NewHub.
type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	last   *ProgressEvent
	closed bool
}

// NewHub returns a hub whose subscriptions queue up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}

	return &Hub{buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// Publish delivers ev to every subscription without blocking. Events
// published after Close are dropped.
func (h *Hub) Publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.last = &ev

	for _, s := range h.subs {
		s.push(ev)
	}
}

// Subscribe registers a new observer. When the hub has published before,
// the most recent event is queued first. Subscribing to a closed hub yields
// a subscription holding only that last event, already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan ProgressEvent, h.buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.last != nil {
		s.ch <- *h.last
	}
	if h.closed {
		close(s.ch)
		return s
	}

	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s

	return s
}

// Last returns the most recently published event.
func (h *Hub) Last() (ProgressEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.last == nil {
		return ProgressEvent{}, false
	}

	return *h.last, true
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close closes every subscription channel after its queued events. It is
// idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

// Closed reports whether Close was called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.ch)
	}
}

// Subscription is one observer's queue.
type Subscription struct {
	id      uint64
	ch      chan ProgressEvent
	hub     *Hub
	dropped atomic.Uint64
}

// C returns the event channel. It is closed after the hub closes or the
// subscription is closed.
func (s *Subscription) C() <-chan ProgressEvent { return s.ch }

// Dropped returns how many events were discarded because the observer fell
// behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Queued events stay readable until the channel drains.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// push runs under the hub lock; receivers only take from ch, so after
// evicting one event there is room.
func (s *Subscription) push(ev ProgressEvent) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Package stream implements the per-thread observability streamer: a ring
// buffer of lifecycle events per analysis thread with live fan-out to push
// subscribers and a poll surface for pull clients.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is dropped so producers never block on slow clients.
const subscriberBuffer = 64

// reapInterval is how often idle thread buffers are checked against the TTL.
const reapInterval = time.Minute

// Subscription is one live push subscriber to a thread's event stream.
// Events arrive on C in producer order; C is closed when the subscriber is
// dropped on overflow, the thread is cleared, or Unsubscribe is called.
type Subscription struct {
	C <-chan model.Event

	ch       chan model.Event
	threadID uuid.UUID
	closed   bool // guarded by the owning thread's mutex
}

// threadStream holds one thread's retained events and live subscribers.
type threadStream struct {
	mu         sync.Mutex
	ring       []model.Event
	subs       map[*Subscription]struct{}
	lastActive time.Time
}

// Streamer fans typed lifecycle events out per analysis thread. Event ids
// are process-global and monotonic; within a thread, delivery preserves
// producer order. An optional sink receives every event for durable audit.
type Streamer struct {
	historyLimit int
	ttl          time.Duration
	sink         func(model.Event)
	logger       *slog.Logger

	eventID atomic.Int64

	mu      sync.RWMutex
	threads map[uuid.UUID]*threadStream
}

// New creates a streamer. historyLimit caps the per-thread ring buffer; ttl
// bounds how long an idle thread's history is retained. sink may be nil.
func New(historyLimit int, ttl time.Duration, sink func(model.Event), logger *slog.Logger) *Streamer {
	return &Streamer{
		historyLimit: historyLimit,
		ttl:          ttl,
		sink:         sink,
		logger:       logger.With("component", "stream"),
		threads:      make(map[uuid.UUID]*threadStream),
	}
}

// Start runs the idle-thread reaper until ctx is cancelled.
func (s *Streamer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reap()
			}
		}
	}()
}

// Emit assigns the event its global id and timestamp, appends it to the
// thread's ring buffer, fans it out to live subscribers, and hands it to the
// audit sink. Producers never block: a subscriber whose buffer is full is
// dropped with a best-effort terminal error event.
func (s *Streamer) Emit(event model.Event) model.Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ts := s.thread(event.ThreadID)
	ts.mu.Lock()
	// Assigned under the thread lock so concurrent producers append to the
	// ring in id order.
	event.EventID = s.eventID.Add(1)
	ts.lastActive = time.Now()
	ts.ring = append(ts.ring, event)
	if over := len(ts.ring) - s.historyLimit; over > 0 {
		ts.ring = append(ts.ring[:0], ts.ring[over:]...)
	}

	var dropped []*Subscription
	for sub := range ts.subs {
		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		s.dropLocked(ts, sub, event.ThreadID)
	}
	ts.mu.Unlock()

	if s.sink != nil {
		s.sink(event)
	}
	return event
}

// dropLocked removes an overflowing subscriber: best-effort terminal error
// event, then channel close. Caller holds ts.mu.
func (s *Streamer) dropLocked(ts *threadStream, sub *Subscription, threadID uuid.UUID) {
	delete(ts.subs, sub)
	if sub.closed {
		return
	}
	sub.closed = true

	terminal := model.Event{
		EventID:   s.eventID.Add(1),
		ThreadID:  threadID,
		Kind:      model.EventError,
		Timestamp: time.Now().UTC(),
		Payload: model.ErrorPayload{
			Kind:    "subscriber_overflow",
			Message: "subscriber too slow, disconnected",
		},
	}
	select {
	case sub.ch <- terminal:
	default:
	}
	close(sub.ch)
	s.logger.Warn("dropped slow subscriber", "thread_id", threadID)
}

// Subscribe registers a live push subscriber for a thread. The caller must
// call Unsubscribe when done.
func (s *Streamer) Subscribe(threadID uuid.UUID) *Subscription {
	sub := &Subscription{
		ch:       make(chan model.Event, subscriberBuffer),
		threadID: threadID,
	}
	sub.C = sub.ch

	ts := s.thread(threadID)
	ts.mu.Lock()
	ts.subs[sub] = struct{}{}
	ts.lastActive = time.Now()
	ts.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Streamer) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.RLock()
	ts := s.threads[sub.threadID]
	s.mu.RUnlock()
	if ts == nil {
		return
	}
	ts.mu.Lock()
	if _, ok := ts.subs[sub]; ok {
		delete(ts.subs, sub)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	ts.mu.Unlock()
}

// Poll returns retained events strictly after afterEventID, oldest first,
// up to limit. An afterEventID older than anything retained (or zero)
// returns all retained events.
func (s *Streamer) Poll(threadID uuid.UUID, afterEventID int64, limit int) []model.Event {
	if limit <= 0 {
		limit = s.historyLimit
	}
	s.mu.RLock()
	ts := s.threads[threadID]
	s.mu.RUnlock()
	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]model.Event, 0, limit)
	for _, e := range ts.ring {
		if e.EventID <= afterEventID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// History returns the most recent limit events for a thread, oldest first.
func (s *Streamer) History(threadID uuid.UUID, limit int) []model.Event {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	s.mu.RLock()
	ts := s.threads[threadID]
	s.mu.RUnlock()
	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	start := len(ts.ring) - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Event, len(ts.ring)-start)
	copy(out, ts.ring[start:])
	return out
}

// Clear drops a thread's retained events and disconnects its subscribers.
func (s *Streamer) Clear(threadID uuid.UUID) {
	s.mu.Lock()
	ts := s.threads[threadID]
	delete(s.threads, threadID)
	s.mu.Unlock()
	if ts == nil {
		return
	}

	ts.mu.Lock()
	for sub := range ts.subs {
		delete(ts.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	ts.ring = nil
	ts.mu.Unlock()
}

// reap clears threads idle longer than the TTL. Threads with live
// subscribers are kept regardless of age.
func (s *Streamer) reap() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.RLock()
	var stale []uuid.UUID
	for id, ts := range s.threads {
		ts.mu.Lock()
		idle := ts.lastActive.Before(cutoff) && len(ts.subs) == 0
		ts.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.Clear(id)
	}
	if len(stale) > 0 {
		s.logger.Debug("reaped idle thread buffers", "count", len(stale))
	}
}

// thread returns (creating if needed) the stream state for a thread.
func (s *Streamer) thread(threadID uuid.UUID) *threadStream {
	s.mu.RLock()
	ts := s.threads[threadID]
	s.mu.RUnlock()
	if ts != nil {
		return ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ts = s.threads[threadID]; ts != nil {
		return ts
	}
	ts = &threadStream{
		subs:       make(map[*Subscription]struct{}),
		lastActive: time.Now(),
	}
	s.threads[threadID] = ts
	return ts
}

// Package progress fans ordered job status events out to subscribers
// without letting a slow subscriber block the pipeline.
package progress

import (
	"sync"
	"time"

	"github.com/voicebridge/api/internal/model"
)

// subscriberBuffer bounds how many undelivered events one subscriber can
// hold before intermediate events start being dropped for it.
const subscriberBuffer = 16

// Subscription is one subscriber's view of a job's event sequence. The
// channel ends when the job reaches a terminal status or the subscription
// is closed.
type Subscription struct {
	id     int64
	jobID  string
	events chan model.ProgressEvent
	closed bool
	b      *Broadcaster
}

// Events returns the subscriber's event channel. A late subscriber
// receives the latest known event first, then live events.
func (s *Subscription) Events() <-chan model.ProgressEvent {
	return s.events
}

// Close detaches the subscription. Safe to call more than once and after
// the channel has been closed by a terminal event.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster keeps the latest event per job and delivers live events to
// any number of subscribers. Publishing never blocks on a subscriber: a
// stalled one loses intermediate events but always receives the terminal
// event. All channel sends and closes happen under the broadcaster lock;
// delivery is non-blocking so the lock is never held for long.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string]map[int64]*Subscription
	latest map[string]model.ProgressEvent
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]map[int64]*Subscription),
		latest: make(map[string]model.ProgressEvent),
	}
}

// Publish records the event as the job's latest and hands it to every
// subscriber. A terminal event also ends every subscription for the job.
func (b *Broadcaster) Publish(event model.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[event.JobID] = event
	for _, s := range b.subs[event.JobID] {
		deliver(s.events, event)
		if event.Terminal() {
			s.closed = true
			close(s.events)
		}
	}
	if event.Terminal() {
		delete(b.subs, event.JobID)
	}
}

// deliver sends without blocking. When the subscriber's buffer is full an
// ordinary event is dropped; a terminal event evicts the oldest buffered
// event until it fits, so the final status is never lost.
func deliver(ch chan model.ProgressEvent, event model.ProgressEvent) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		if !event.Terminal() {
			return
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe attaches a new subscriber to a job's event sequence. If the
// job already has a latest event it is delivered first; if that event is
// terminal the channel ends right after it.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		jobID:  jobID,
		events: make(chan model.ProgressEvent, subscriberBuffer),
		b:      b,
	}

	if last, ok := b.latest[jobID]; ok {
		s.events <- last
		if last.Terminal() {
			s.closed = true
			close(s.events)
			return s
		}
	}

	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int64]*Subscription)
	}
	b.subs[jobID][s.id] = s
	return s
}

// Latest returns the most recent event published for a job.
func (b *Broadcaster) Latest(jobID string) (model.ProgressEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.latest[jobID]
	return e, ok
}

// Forget drops the retained latest event for a job, used on job cleanup.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, jobID)
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.subs[s.jobID]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.jobID)
		}
	}
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Package eventbus implements an in-process, topic-keyed publish/subscribe
// bus used to fan resource-change, job-progress, and peer-connectivity
// notifications out to interested subscribers (the sync engine, UI
// invalidation listeners, metrics collectors).
//
// Grounded on the teacher repository's WorkerPool result channel
// (internal/sync/worker.go: a buffered `results chan WorkerResult` drained
// by a dedicated goroutine) generalized from one fixed channel to many
// dynamically-subscribed topics. Per spec.md §5's "best-effort fanout"
// note, a subscriber that falls behind has events dropped rather than
// blocking the publisher.
package eventbus

import (
	"fmt"
	stdsync "sync"

	"go.uber.org/multierr"
)

// defaultBufferSize is the per-subscriber channel depth. A subscriber that
// cannot keep up with this many buffered events starts losing them.
const defaultBufferSize = 64

// Event is a single notification posted to a topic.
type Event struct {
	Topic   string
	Kind    string
	Payload any
}

// LibraryTopic returns the topic key for all events scoped to a library.
func LibraryTopic(libraryUUID string) string { return "library:" + libraryUUID }

// JobTopic returns the topic key for events scoped to a single job id.
func JobTopic(jobID int64) string { return fmt.Sprintf("job:%d", jobID) }

// PeerTopic returns the topic key for events scoped to a peer device.
func PeerTopic(deviceUUID string) string { return "peer:" + deviceUUID }

// Subscription is a live registration returned by Subscribe. Callers read
// from C until they no longer care, then call Unsubscribe.
type Subscription struct {
	C     <-chan Event
	bus   *Bus
	id    uint64
	topic string
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

type subscriber struct {
	id uint64
	ch chan Event
}

// Bus is an in-process pub/sub dispatcher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          stdsync.RWMutex
	subscribers map[string][]*subscriber
	nextID      uint64
	bufferSize  int
}

// New creates a Bus with the default per-subscriber buffer size.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// WithBufferSize overrides the per-subscriber channel depth for
// subsequent Subscribe calls.
func (b *Bus) WithBufferSize(n int) *Bus {
	if n < 1 {
		n = 1
	}

	b.mu.Lock()
	b.bufferSize = n
	b.mu.Unlock()

	return b
}

// Subscribe registers a new subscriber on topic and returns a Subscription
// whose channel receives every event Published to that topic from this
// point forward.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := &subscriber{id: id, ch: make(chan Event, b.bufferSize)}
	b.subscribers[topic] = append(b.subscribers[topic], sub)

	return &Subscription{C: sub.ch, bus: b, id: id, topic: topic}
}

// Publish fans ev out to every subscriber of ev.Topic. Subscribers whose
// channel is full have the event dropped for them rather than blocking
// the publisher; dropped deliveries are reported back as an aggregated
// error (via go.uber.org/multierr) so callers can log or count them
// without Publish itself failing the operation that triggered the event.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[ev.Topic]...)
	b.mu.RUnlock()

	var errs error

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			errs = multierr.Append(errs, fmt.Errorf("eventbus: dropped event for subscriber %d on topic %q: channel full", sub.id, ev.Topic))
		}
	}

	return errs
}

// unsubscribe removes a subscriber by id from topic and closes its channel.
func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]

	for i, sub := range subs {
		if sub.id == id {
			close(sub.ch)
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)

			return
		}
	}
}

// SubscriberCount returns the number of active subscribers on topic, for
// tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[topic])
}

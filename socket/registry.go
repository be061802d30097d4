package socket

import (
	"sync"
	"sync/atomic"
)

// Handler receives routed events. A returned error or a panic is reported to
// the client's error handler and does not affect other subscribers. Handlers
// run on the receive goroutine and must not block.
type Handler func(ev Event) error

// Subscription is the handle returned by Client.Subscribe.
type Subscription struct {
	id       string
	topic    string
	handler  Handler
	client   *Client
	released atomic.Bool
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Release stops delivery to this subscription. Calling it more than once is a
// no-op.
func (s *Subscription) Release() {
	s.client.Unsubscribe(s)
}

func (s *Subscription) Active() bool {
	return !s.released.Load()
}

type topicEntry struct {
	subs    []*Subscription
	lastSeq uint64
	hasSeq  bool
}

type registry struct {
	mu     sync.Mutex
	topics map[string]*topicEntry
	order  []string
}

func newRegistry() *registry {
	return &registry{
		topics: make(map[string]*topicEntry),
	}
}

func (r *registry) add(sub *Subscription) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.topics[sub.topic]
	if !exists {
		entry = &topicEntry{}
		r.topics[sub.topic] = entry
		r.order = append(r.order, sub.topic)
	}
	entry.subs = append(entry.subs, sub)

	return !exists
}

func (r *registry) remove(sub *Subscription) (removed, last bool) {
	if !sub.released.CompareAndSwap(false, true) {
		return false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.topics[sub.topic]
	if !exists {
		return false, false
	}

	for i, s := range entry.subs {
		if s == sub {
			entry.subs = append(entry.subs[:i:i], entry.subs[i+1:]...)
			removed = true
			break
		}
	}

	if removed && len(entry.subs) == 0 {
		delete(r.topics, sub.topic)
		for i, name := range r.order {
			if name == sub.topic {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
		return true, true
	}

	return removed, false
}

// accept records seq for topic and returns the subscribers an event should be
// dispatched to. dup is true when seq is not above the topic's high-water mark.
func (r *registry) accept(topic string, seq uint64, hasSeq bool) (subs []*Subscription, dup bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.topics[topic]
	if !exists {
		return nil, false
	}

	if hasSeq {
		if entry.hasSeq && seq <= entry.lastSeq {
			return nil, true
		}
		entry.lastSeq = seq
		entry.hasSeq = true
	}

	subs = make([]*Subscription, len(entry.subs))
	copy(subs, entry.subs)
	return subs, false
}

func (r *registry) topicNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

func (r *registry) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.topics[topic]; ok {
		return len(entry.subs)
	}
	return 0
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.topics {
		for _, sub := range entry.subs {
			sub.released.Store(true)
		}
	}
	r.topics = make(map[string]*topicEntry)
	r.order = nil
}

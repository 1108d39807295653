// Package bus fans values out to independent subscribers with bounded
// buffers. Publishing never blocks: a subscriber that cannot keep up is
// either skipped or cut off, depending on the topic's policy.
package bus

import (
	"errors"
	"sync"
)

// ErrSlowSubscriber is reported by a subscription that was closed because
// its buffer filled up.
var ErrSlowSubscriber = errors.New("subscriber too slow")

// ErrTopicClosed is reported by subscriptions of a closed topic.
var ErrTopicClosed = errors.New("topic closed")

// Policy decides what happens when a subscriber's buffer is full.
type Policy int

const (
	// Disconnect closes the subscription. The subscriber is expected to
	// reconnect and replay history.
	Disconnect Policy = iota
	// Drop skips the value for that subscriber only.
	Drop
)

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) Policy {
	if s == "drop" {
		return Drop
	}
	return Disconnect
}

// Observer is told about values that did not reach a subscriber.
type Observer interface {
	SubscriberDropped(topic string)
	SubscriberDisconnected(topic string)
}

// Options configures a Topic.
type Options[T any] struct {
	Name   string
	Buffer int
	Policy Policy
	// Droppable marks values that are skipped rather than triggering a
	// disconnect, whatever the policy.
	Droppable func(T) bool
	Observer  Observer
}

// Topic is a set of subscribers receiving the same values in publish order.
type Topic[T any] struct {
	opts Options[T]

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewTopic returns an empty topic.
func NewTopic[T any](opts Options[T]) *Topic[T] {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Topic[T]{
		opts: opts,
		subs: make(map[*Subscription[T]]struct{}),
	}
}

// Subscription receives values on C until it is closed. After C is closed,
// Err says why.
type Subscription[T any] struct {
	C <-chan T

	ch    chan T
	topic *Topic[T]
	err   error
}

// Subscribe registers a new subscriber. Subscribing to a closed topic
// returns an already closed subscription.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, t.opts.Buffer)
	sub := &Subscription[T]{C: ch, ch: ch, topic: t}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		sub.err = ErrTopicClosed
		close(ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Publish delivers v to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for sub := range t.subs {
		select {
		case sub.ch <- v:
			continue
		default:
		}

		if t.opts.Policy == Drop || (t.opts.Droppable != nil && t.opts.Droppable(v)) {
			if t.opts.Observer != nil {
				t.opts.Observer.SubscriberDropped(t.opts.Name)
			}
			continue
		}
		t.removeLocked(sub, ErrSlowSubscriber)
		if t.opts.Observer != nil {
			t.opts.Observer.SubscriberDisconnected(t.opts.Name)
		}
	}
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription. Later subscriptions are closed at once.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subs {
		t.removeLocked(sub, ErrTopicClosed)
	}
}

func (t *Topic[T]) removeLocked(sub *Subscription[T], err error) {
	if _, ok := t.subs[sub]; !ok {
		return
	}
	delete(t.subs, sub)
	sub.err = err
	close(sub.ch)
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	s.topic.removeLocked(s, nil)
}

// Err returns why the subscription ended: nil after Close, ErrSlowSubscriber
// or ErrTopicClosed otherwise. It is only meaningful once C is closed.
func (s *Subscription[T]) Err() error {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.err
}

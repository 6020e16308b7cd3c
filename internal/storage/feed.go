package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriptionClosed is returned by Next once a subscription is closed
// and its queue is drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// feed fans committed changes out to range subscriptions.
type feed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

func newFeed() *feed {
	return &feed{
		subs: make(map[uint64]*Subscription),
	}
}

// publish queues every change on the subscriptions whose range contains
// it. It never blocks on a slow consumer.
func (f *feed) publish(changes []Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		var matched []Change
		for _, c := range changes {
			if InRange(c.Key, sub.lower, sub.upper) {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			sub.push(matched)
		}
	}
}

func (f *feed) subscribe(lower, upper []byte) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	sub := &Subscription{
		id:     f.nextID,
		lower:  lower,
		upper:  upper,
		feed:   f,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if f.closed {
		sub.closeOnce.Do(func() { close(sub.done) })
		return sub
	}
	f.subs[sub.id] = sub
	return sub
}

func (f *feed) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		sub.closeOnce.Do(func() { close(sub.done) })
		delete(f.subs, id)
	}
}

// Subscription is an unbounded queue of changes within a key range.
type Subscription struct {
	id           uint64
	lower, upper []byte
	feed         *feed

	mu     sync.Mutex
	queue  []Change
	notify chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) push(changes []Change) {
	s.mu.Lock()
	s.queue = append(s.queue, changes...)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a change is available. Queued changes are still
// returned after Close; ErrSubscriptionClosed follows once they run out.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	for {
		if c, ok := s.pop(); ok {
			return c, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if c, ok := s.pop(); ok {
				return c, nil
			}
			return Change{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Change{}, ctx.Err()
		}
	}
}

// Drain removes and returns everything queued so far without blocking.
func (s *Subscription) Drain() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Len returns the number of queued changes.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done is closed when the subscription or its store is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.feed.unsubscribe(s.id)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) pop() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Change{}, false
	}
	c := s.queue[0]
	s.queue[0] = Change{}
	s.queue = s.queue[1:]
	return c, true
}

// Package livetail streams a key range: existing entries first, then a sync
// marker, then every change committed into the range until closed.
//
// The store subscription is opened before the replay starts. Changes that
// arrive during the replay are buffered and de-duplicated by key against
// what the replay delivered, so nothing is missed and nothing already seen
// is delivered twice.
package livetail

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/syntrixbase/contextdb/internal/metrics"
	"github.com/syntrixbase/contextdb/internal/storage"
)

// EventType distinguishes stream events.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
	EventSync   EventType = "sync"
)

// Event is one entry of the stream.
type Event struct {
	Type   EventType
	Key    []byte
	Value  []byte
	Origin string
}

// Options configures a stream.
type Options struct {
	// Tail keeps the stream open after sync. Without it the event channel
	// closes after the sync event.
	Tail bool

	// PageSize is the number of entries read per scan page. Default: 256
	PageSize int

	Logger *slog.Logger
}

// Stream is an open live-tail stream.
type Stream struct {
	store  *storage.Store
	lower  []byte
	upper  []byte
	opts   Options
	logger *slog.Logger

	sub    *storage.Subscription
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Open starts streaming [lower, upper). Every change committed after Open
// returns is delivered when Tail is set.
func Open(ctx context.Context, store *storage.Store, lower, upper []byte, opts Options) (*Stream, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		store:  store,
		lower:  bytes.Clone(lower),
		upper:  bytes.Clone(upper),
		opts:   opts,
		logger: logger.With("component", "livetail"),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	if opts.Tail {
		sub, err := store.Subscribe(lower, upper)
		if err != nil {
			return nil, err
		}
		s.sub = sub
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the stream goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops the stream and waits for it to exit. Events not yet received
// are dropped.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Close()
		}
	})
	<-s.done
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	if s.sub != nil {
		defer s.sub.Close()
	}

	delivered, err := s.replay(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Replay failed", "error", err)
			s.setErr(err)
		}
		return
	}
	if !s.send(ctx, Event{Type: EventSync}) {
		return
	}
	if s.sub == nil {
		return
	}

	// Changes committed during the replay.
	for _, c := range s.sub.Drain() {
		prev, seen := delivered[string(c.Key)]
		if c.Delete {
			if !seen || prev == nil {
				continue
			}
			delivered[string(c.Key)] = nil
		} else {
			if seen && prev != nil && bytes.Equal(prev, c.Value) {
				continue
			}
			delivered[string(c.Key)] = c.Value
		}
		if !s.sendChange(ctx, c, "buffered") {
			return
		}
	}
	delivered = nil

	for {
		c, err := s.sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, storage.ErrSubscriptionClosed) {
				s.setErr(err)
			}
			return
		}
		if !s.sendChange(ctx, c, "live") {
			return
		}
	}
}

// replay sends every entry of the range and returns the delivered values
// by key.
func (s *Stream) replay(ctx context.Context) (map[string][]byte, error) {
	delivered := make(map[string][]byte)
	lower := s.lower
	for {
		page, err := s.store.ScanPage(ctx, lower, s.upper, s.opts.PageSize)
		if err != nil {
			return nil, err
		}
		for _, kv := range page {
			if !s.send(ctx, Event{Type: EventPut, Key: kv.Key, Value: kv.Value}) {
				return nil, ctx.Err()
			}
			metrics.LiveTailEvents.WithLabelValues("replay").Inc()
			if s.sub != nil {
				delivered[string(kv.Key)] = kv.Value
			}
		}
		if len(page) < s.opts.PageSize {
			return delivered, nil
		}
		lower = storage.NextKey(page[len(page)-1].Key)
	}
}

func (s *Stream) sendChange(ctx context.Context, c storage.Change, phase string) bool {
	ev := Event{Type: EventPut, Key: c.Key, Value: c.Value, Origin: c.Origin}
	if c.Delete {
		ev.Type = EventDelete
		ev.Value = nil
	}
	if !s.send(ctx, ev) {
		return false
	}
	metrics.LiveTailEvents.WithLabelValues(phase).Inc()
	return true
}

func (s *Stream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

package events

import (
	"context"
	"sync"
)

// Stream fan-outs events to all active subscribers (SSE clients).
// It is itself a Sink so it can sit alongside the durable sinks.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

var _ Sink = (*Stream)(nil)

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Send fan-outs the event to all subscribers.
func (s *Stream) Send(ctx context.Context, evt Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return nil
}

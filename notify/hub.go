package notify

import (
	"context"
	"errors"
	"sync"

	zpay "github.com/zpay-labs/zpay"
)

const DefaultSubscriberBuffer = 64

var ErrHubClosed = errors.New("event hub is closed")

// Hub is an in-process broadcast of transitions
type Hub struct {
	mu     sync.Mutex
	subs   map[*hubSubscription]struct{}
	buffer int
	closed bool
}

var _ Source = (*Hub)(nil)

// NewHub creates a hub whose subscribers buffer up to buffer events
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[*hubSubscription]struct{}),
		buffer: buffer,
	}
}

type hubSubscription struct {
	hub  *Hub
	ch   chan zpay.Event
	done chan struct{}
	once sync.Once
}

func (s *hubSubscription) Events() <-chan zpay.Event { return s.ch }

func (s *hubSubscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
}

// Subscribe registers a subscriber that is removed when ctx is done
func (h *Hub) Subscribe(ctx context.Context) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &hubSubscription{hub: h, ch: make(chan zpay.Event, h.buffer), done: make(chan struct{})}
	h.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish offers event to every subscriber without blocking
func (h *Hub) Publish(event zpay.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*hubSubscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

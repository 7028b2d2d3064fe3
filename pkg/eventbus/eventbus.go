// Package eventbus provides the Bus interface and an in-memory implementation
// for real-time build session events.
package eventbus

import (
	"sync"

	"github.com/jxucoder/buildbot/pkg/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus provides pub/sub for session events.
type Bus interface {
	// Subscribe returns a channel of events for sessionID and a function that
	// unsubscribes and closes it. The function is safe to call more than once.
	Subscribe(sessionID string) (<-chan *model.Event, func())
	Publish(sessionID string, event *model.Event)
	// Close ends every subscription for sessionID. Called once a session has
	// finished so streaming readers terminate.
	Close(sessionID string)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan *model.Event
	buffer int
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs:   make(map[string][]chan *model.Event),
		buffer: DefaultBuffer,
	}
}

// Subscribe creates a channel that receives events for a session.
func (b *InMemoryBus) Subscribe(sessionID string) (<-chan *model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, b.buffer)
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch, func() { b.unsubscribe(sessionID, ch) }
}

func (b *InMemoryBus) unsubscribe(sessionID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	for i, s := range subs {
		if s == ch {
			b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers for a session.
func (b *InMemoryBus) Publish(sessionID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}

// Close closes and forgets all subscribers of a session.
func (b *InMemoryBus) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}

// Subscribers reports how many subscribers a session has.
func (b *InMemoryBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

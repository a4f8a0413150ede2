// Package sse fans out conversation snapshots to HTTP clients holding
// open server-sent-events connections.
package sse

import (
	"sync"

	"github.com/mways/smsgatewayd/internal/types"
)

// subscriberBuffer bounds how many undelivered snapshots a slow
// subscriber can accumulate before newer publishes are dropped for it.
const subscriberBuffer = 8

// Broadcaster is a single process-wide fan-out point, grounded on the
// original source's broadcast-channel manager but expressed with a
// mutex-guarded subscriber map since Go has no broadcast channel
// primitive.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan []types.Conversation]struct{}
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan []types.Conversation]struct{})}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe func the caller must run when the connection closes.
func (b *Broadcaster) Subscribe() (<-chan []types.Conversation, func()) {
	ch := make(chan []types.Conversation, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish sends snapshot to every current subscriber. A subscriber
// whose buffer is full has the publish dropped rather than blocking
// the sender.
func (b *Broadcaster) Publish(snapshot []types.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Subscribers reports the current listener count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

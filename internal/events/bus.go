// Package events implements the ordered streaming-event bus consumed by the
// front end. Publishing never blocks on a slow consumer: events land in an
// unbounded queue that a single drain goroutine forwards in order.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Bus is an ordered, non-blocking event queue. One consumer drains it through
// the channel returned by Events.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []models.StreamEvent
	seq    uint64
	closed bool

	out      chan models.StreamEvent
	drainOne sync.Once
}

// New creates an empty bus.
func New() *Bus {
	b := &Bus{out: make(chan models.StreamEvent)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event to the queue and returns immediately. Events carry
// a monotonic sequence number assigned here, so consumers can detect gaps if
// they ever drop entries themselves.
func (b *Bus) Publish(kind models.StreamEventKind, content, tag string, payload json.RawMessage) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	b.queue = append(b.queue, models.StreamEvent{
		Kind:     kind,
		Sequence: b.seq,
		Time:     time.Now(),
		Content:  content,
		Tag:      tag,
		JSON:     payload,
	})
	b.mu.Unlock()
	b.cond.Signal()
}

// Events returns the drain channel. The first call starts the drain
// goroutine; the channel closes after Close once the queue is empty.
func (b *Bus) Events() <-chan models.StreamEvent {
	b.drainOne.Do(func() { go b.drain() })
	return b.out
}

// Close stops the bus. Queued events are still delivered before the drain
// channel closes; later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// drain forwards queued events in order.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			close(b.out)
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.out <- ev
	}
}

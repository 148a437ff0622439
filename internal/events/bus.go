package events

import (
	"context"
	"sync"

	"github.com/biomedorch/orchestrator/graph/emit"
)

// subscriberBuffer bounds how many events a slow SSE client can lag by
// before it is dropped (spec.md §4.11: "slow consumers are dropped after
// a bounded buffer").
const subscriberBuffer = 256

// Bus is a process-wide emit.Emitter that fans events out to per-run
// subscriber channels, grounded on the teacher's BufferedEmitter (same
// RunID-keyed map, sync.RWMutex discipline) but pushing live instead of
// only buffering for later query.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan emit.Event
	next int
	last map[string]emit.Event
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[int]chan emit.Event),
		last: make(map[string]emit.Event),
	}
}

// Emit implements emit.Emitter: fire-and-forget fan-out to every live
// subscriber of event.RunID. A subscriber whose channel is full is
// dropped rather than allowed to block the publisher.
func (b *Bus) Emit(event emit.Event) {
	b.mu.Lock()
	b.last[event.RunID] = event
	subs := b.subs[event.RunID]
	var stale []int
	for id, ch := range subs {
		select {
		case ch <- event:
		default:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		close(subs[id])
		delete(subs, id)
	}
	b.mu.Unlock()
}

// EmitBatch emits each event in order.
func (b *Bus) EmitBatch(_ context.Context, events []emit.Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

// Flush is a no-op; the Bus delivers synchronously.
func (b *Bus) Flush(_ context.Context) error { return nil }

// Subscribe registers a new listener for runID's events and returns a
// receive-only channel plus an unsubscribe func. Multiple concurrent
// subscribers to the same run are supported (spec.md §4.11).
func (b *Bus) Subscribe(runID string) (<-chan emit.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan emit.Event)
	}
	id := b.next
	b.next++
	ch := make(chan emit.Event, subscriberBuffer)
	b.subs[runID][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[runID]; ok {
			if c, ok := m[id]; ok {
				close(c)
				delete(m, id)
			}
			if len(m) == 0 {
				delete(b.subs, runID)
			}
		}
	}
	return ch, unsubscribe
}

// LastTerminal returns the most recent event published for runID, used
// to replay the terminal event to a reconnecting client once a run has
// already finished (spec.md §6 SSE wire format).
func (b *Bus) LastTerminal(runID string) (emit.Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.last[runID]
	return e, ok
}

// Close drops every subscriber channel for runID. Call once a run
// reaches a terminal state and all consumers have had a chance to drain.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[runID] {
		close(ch)
	}
	delete(b.subs, runID)
}

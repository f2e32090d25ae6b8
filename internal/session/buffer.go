// Package session is the orchestration core.
//
// buffer.go - Per-session event replay buffer
//
// A bounded ring of recent events, indexed by a monotonically increasing
// logical position. Consumers that attach late (or poll) resume with the
// index of the last event they saw; when the buffer has wrapped past that
// index the gap is reported instead of silently skipped.
package session

import (
	"fmt"
	"sync"

	"github.com/agentmux/agentmux/internal/backend"
)

const defaultBufferSize = 1000

// BufferedEvent pairs an event with its logical index for resumption.
type BufferedEvent struct {
	Index int            `json:"index"`
	Event *backend.Event `json:"event"`
}

// eventBuffer is a bounded ring of one session's recent events.
type eventBuffer struct {
	mu         sync.RWMutex
	events     []*BufferedEvent
	maxSize    int
	startIndex int // logical index of events[0]
	dropped    int64
}

func newEventBuffer(maxSize int) *eventBuffer {
	if maxSize <= 0 {
		maxSize = defaultBufferSize
	}
	return &eventBuffer{
		events:  make([]*BufferedEvent, 0, maxSize),
		maxSize: maxSize,
	}
}

// append stores an event and returns its logical index. When full, the
// oldest event is dropped and the window slides forward.
func (b *eventBuffer) append(ev *backend.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.startIndex++
		b.dropped++
	}
	b.events = append(b.events, &BufferedEvent{Index: index, Event: ev})
	return index
}

// after returns events with index > since. since = -1 returns everything
// buffered. An error means the window slid past the requested position and
// the consumer lost events.
func (b *eventBuffer) after(since int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if since == -1 {
		out := make([]*BufferedEvent, len(b.events))
		copy(out, b.events)
		return out, nil
	}
	if since < b.startIndex-1 {
		return nil, fmt.Errorf("events before index %d purged (oldest available: %d)", since, b.startIndex)
	}

	start := since - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		return []*BufferedEvent{}, nil
	}
	out := make([]*BufferedEvent, len(b.events)-start)
	copy(out, b.events[start:])
	return out, nil
}

// lastIndex returns the newest logical index, or -1 when empty.
func (b *eventBuffer) lastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return -1
	}
	return b.startIndex + len(b.events) - 1
}

func (b *eventBuffer) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

func (b *eventBuffer) droppedCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

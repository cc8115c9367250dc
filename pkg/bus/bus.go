// Package bus moves chat events and slot updates between components.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus carries chat events in and injection slot updates out.
type MessageBus struct {
	events  chan ChatEvent
	slots   chan SlotUpdate
	closed  bool
	dropped droppedCounters
	mu      sync.RWMutex
}

type droppedCounters struct {
	events atomic.Uint64
	slots  atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

const defaultBuffer = 100

// NewMessageBus creates a bus with the given channel buffer (100 when <= 0).
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MessageBus{
		events: make(chan ChatEvent, buffer),
		slots:  make(chan SlotUpdate, buffer),
	}
}

// PublishEvent enqueues ev, waiting up to publishTimeout when the buffer is
// full before dropping it. It reports whether the event was accepted.
func (mb *MessageBus) PublishEvent(ev ChatEvent) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	return publish(mb.events, ev, &mb.dropped.events)
}

func (mb *MessageBus) ConsumeEvent(ctx context.Context) (ChatEvent, bool) {
	return consume(ctx, mb.events)
}

func (mb *MessageBus) PublishSlot(update SlotUpdate) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	return publish(mb.slots, update, &mb.dropped.slots)
}

func (mb *MessageBus) SubscribeSlot(ctx context.Context) (SlotUpdate, bool) {
	return consume(ctx, mb.slots)
}

func publish[T any](ch chan T, v T, dropped *atomic.Uint64) bool {
	select {
	case ch <- v:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case ch <- v:
			return true
		case <-timer.C:
			dropped.Add(1)
			return false
		}
	}
}

func consume[T any](ctx context.Context, ch chan T) (T, bool) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, false
		}
		return v, true
	case <-ctx.Done():
		return zero, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.events)
	close(mb.slots)
}

func (mb *MessageBus) DroppedEvents() uint64 {
	return mb.dropped.events.Load()
}

func (mb *MessageBus) DroppedSlots() uint64 {
	return mb.dropped.slots.Load()
}

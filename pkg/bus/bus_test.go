package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishEventDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(4)
	defer mb.Close()

	for i := 0; i < cap(mb.events); i++ {
		if !mb.PublishEvent(ChatEvent{ConversationID: "c", Kind: EventNew, Index: i}) {
			t.Fatalf("expected event %d to be accepted", i)
		}
	}

	if mb.PublishEvent(ChatEvent{ConversationID: "c", Kind: EventNew, Index: 99}) {
		t.Fatalf("expected overflow event to be dropped")
	}
	if mb.DroppedEvents() != 1 {
		t.Fatalf("expected dropped event count 1, got %d", mb.DroppedEvents())
	}
}

func TestMessageBus_PublishSlotDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(2)
	defer mb.Close()

	for i := 0; i < cap(mb.slots); i++ {
		mb.PublishSlot(SlotUpdate{ConversationID: "c", Name: "tiermem_short"})
	}

	mb.PublishSlot(SlotUpdate{ConversationID: "c", Name: "overflow"})
	if mb.DroppedSlots() != 1 {
		t.Fatalf("expected dropped slot count 1, got %d", mb.DroppedSlots())
	}
}

func TestMessageBus_ConsumeInOrder(t *testing.T) {
	mb := NewMessageBus(0)
	defer mb.Close()

	mb.PublishEvent(ChatEvent{ConversationID: "c", Kind: EventEdit, Index: 3})
	mb.PublishEvent(ChatEvent{ConversationID: "c", Kind: EventDelete, Index: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := mb.ConsumeEvent(ctx)
	if !ok || first.Kind != EventEdit || first.Index != 3 {
		t.Fatalf("unexpected first event: %+v ok=%v", first, ok)
	}
	second, ok := mb.ConsumeEvent(ctx)
	if !ok || second.Kind != EventDelete {
		t.Fatalf("unexpected second event: %+v ok=%v", second, ok)
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus(0)
	mb.Close()

	if _, ok := mb.ConsumeEvent(context.Background()); ok {
		t.Fatalf("expected closed event consume to return ok=false")
	}
	if _, ok := mb.SubscribeSlot(context.Background()); ok {
		t.Fatalf("expected closed slot subscribe to return ok=false")
	}
	if mb.PublishEvent(ChatEvent{Kind: EventNew}) {
		t.Fatalf("expected publish after close to be rejected")
	}
}

func TestMessageBus_ConsumeHonorsContext(t *testing.T) {
	mb := NewMessageBus(0)
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.ConsumeEvent(ctx); ok {
		t.Fatalf("expected cancelled consume to return ok=false")
	}
}

func TestEventKindValid(t *testing.T) {
	for _, k := range []EventKind{EventChatChanged, EventNew, EventUserMessage, EventBeforeGenerate, EventEdit, EventDelete, EventSwipe, EventContinue, EventManual, EventStop} {
		if !k.Valid() {
			t.Fatalf("expected %q to be valid", k)
		}
	}
	for _, k := range []EventKind{"", "renamed", "NEW"} {
		if k.Valid() {
			t.Fatalf("expected %q to be invalid", k)
		}
	}
}

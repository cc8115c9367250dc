package injection

import (
	"context"

	"github.com/dotsetgreg/tiermem/pkg/bus"
)

// BusSink publishes slot updates of one conversation on the message bus.
type BusSink struct {
	bus            *bus.MessageBus
	conversationID string
}

func NewBusSink(mb *bus.MessageBus, conversationID string) *BusSink {
	return &BusSink{bus: mb, conversationID: conversationID}
}

func (s *BusSink) SetSlot(_ context.Context, slot Slot) error {
	s.bus.PublishSlot(bus.SlotUpdate{
		ConversationID: s.conversationID,
		Name:           slot.Name,
		Text:           slot.Text,
		Position:       string(slot.Position),
		Depth:          slot.Depth,
		Scan:           slot.Scan,
		Role:           slot.Role,
	})
	return nil
}

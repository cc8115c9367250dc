package bus

// EventKind names a chat lifecycle event.
type EventKind string

const (
	EventChatChanged    EventKind = "chat_changed"
	EventNew            EventKind = "new"
	EventUserMessage    EventKind = "user_message"
	EventBeforeGenerate EventKind = "before_generate"
	EventEdit           EventKind = "edit"
	EventDelete         EventKind = "delete"
	EventSwipe          EventKind = "swipe"
	EventContinue       EventKind = "continue"
	EventManual         EventKind = "manual"
	EventStop           EventKind = "stop"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventChatChanged, EventNew, EventUserMessage, EventBeforeGenerate, EventEdit,
		EventDelete, EventSwipe, EventContinue, EventManual, EventStop:
		return true
	}
	return false
}

// ChatEvent is an inbound mutation notice for one conversation.
type ChatEvent struct {
	ConversationID string    `json:"conversation_id"`
	Kind           EventKind `json:"kind"`
	Index          int       `json:"index"`
	Indices        []int     `json:"indices,omitempty"`
	SwipeID        int       `json:"swipe_id,omitempty"`
	SwipeCount     int       `json:"swipe_count,omitempty"`
	// Generated marks a swipe event for a freshly generated alternative
	// rather than navigation between existing ones.
	Generated      bool      `json:"generated,omitempty"`
	Dry            bool      `json:"dry,omitempty"`
	Force          bool      `json:"force,omitempty"`
}

// SlotUpdate is an outbound injection slot change.
type SlotUpdate struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
	Text           string `json:"text"`
	Position       string `json:"position"`
	Depth          int    `json:"depth"`
	Scan           bool   `json:"scan"`
	Role           string `json:"role"`
}

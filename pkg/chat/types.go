package chat

import "time"

// Role is the speaker role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind marks message categories that inclusion rules treat separately.
type Kind string

const (
	KindRegular     Kind = ""
	KindNarrator    Kind = "narrator"
	KindThought     Kind = "thought"
	KindBookkeeping Kind = "bookkeeping"
)

// Tier is the injection tier assigned to a summary.
type Tier string

const (
	TierNone  Tier = "none"
	TierShort Tier = "short"
	TierLong  Tier = "long"
)

// Record is the per-message memory annotation.
type Record struct {
	Summary     string `json:"summary,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	Prefill     string `json:"prefill,omitempty"`
	Error       string `json:"error,omitempty"`
	// FailedHash is the text fingerprint of the last failed generation.
	FailedHash  string `json:"failed_hash,omitempty"`
	Edited      bool   `json:"edited,omitempty"`
	Remember    bool   `json:"remember,omitempty"`
	Exclude     bool   `json:"exclude,omitempty"`
	Tier        Tier   `json:"tier,omitempty"`
	Lagging     bool   `json:"lagging,omitempty"`
}

// HasSummary reports whether the record carries summary text.
func (r Record) HasSummary() bool { return r.Summary != "" }

// SetRemember sets the remember flag, clearing exclude when enabled.
func (r *Record) SetRemember(v bool) {
	r.Remember = v
	if v {
		r.Exclude = false
	}
}

// SetExclude sets the exclude flag, clearing remember when enabled.
func (r *Record) SetExclude(v bool) {
	r.Exclude = v
	if v {
		r.Remember = false
	}
}

// Swipe is one alternative body of a message with its own record.
type Swipe struct {
	Text   string `json:"text"`
	Record Record `json:"record"`
}

// Message is one entry of a conversation history.
type Message struct {
	ID           string
	Role         Role
	Name         string
	CharacterKey string
	Text         string
	Kind         Kind
	Hidden       bool
	SwipeID      int
	Swipes       []Swipe
	Record       Record
	CreatedAt    time.Time
}

func (m Message) IsUser() bool { return m.Role == RoleUser }

// IsSystem reports whether the message is a system or hidden entry.
func (m Message) IsSystem() bool { return m.Role == RoleSystem || m.Hidden }

// SwipeCount returns the number of alternatives, at least one.
func (m Message) SwipeCount() int {
	if len(m.Swipes) == 0 {
		return 1
	}
	return len(m.Swipes)
}

// Metadata is per-conversation state that is not tied to a message.
type Metadata struct {
	ID                 string
	Title              string
	UserName           string
	CharacterName      string
	Enabled            *bool
	DisabledCharacters []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CharacterDisabled reports whether key is disabled for this conversation.
func (m Metadata) CharacterDisabled(key string) bool {
	for _, k := range m.DisabledCharacters {
		if k == key {
			return true
		}
	}
	return false
}

package prompt

// MacroType selects how a macro is computed.
type MacroType string

const (
	// MacroSpecial is the built-in "message" macro.
	MacroSpecial MacroType = "special"
	// MacroRange renders a window of history around the target message.
	MacroRange MacroType = "preset"
	// MacroCustom renders static text through the macro's scripts.
	MacroCustom MacroType = "custom"
)

// Macro configures one named placeholder of a summarization prompt.
type Macro struct {
	Name             string    `json:"name" yaml:"name"`
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Type             MacroType `json:"type" yaml:"type"`
	InstructTemplate bool      `json:"instruct_template" yaml:"instruct_template"`
	RegexScripts     []string  `json:"regex_scripts,omitempty" yaml:"regex_scripts,omitempty"`
	Text             string    `json:"text,omitempty" yaml:"text,omitempty"`

	// Range bounds relative to the target index: [index-End, index-Start].
	Start         int  `json:"start,omitempty" yaml:"start,omitempty"`
	End           int  `json:"end,omitempty" yaml:"end,omitempty"`
	BotMessages   bool `json:"bot_messages,omitempty" yaml:"bot_messages,omitempty"`
	UserMessages  bool `json:"user_messages,omitempty" yaml:"user_messages,omitempty"`
	BotSummaries  bool `json:"bot_summaries,omitempty" yaml:"bot_summaries,omitempty"`
	UserSummaries bool `json:"user_summaries,omitempty" yaml:"user_summaries,omitempty"`
}

// DefaultMacros returns the built-in message and history macros.
func DefaultMacros() map[string]Macro {
	return map[string]Macro{
		"message": {
			Name:    "message",
			Enabled: true,
			Type:    MacroSpecial,
		},
		"history": {
			Name:             "history",
			Enabled:          false,
			Type:             MacroRange,
			InstructTemplate: true,
			Start:            1,
			End:              6,
			BotMessages:      true,
			UserMessages:     true,
		},
	}
}

// DefaultTemplate is the default summarization prompt.
const DefaultTemplate = `You are a summarization assistant. Summarize the given fictional narrative in a single, very short and concise statement of fact.
Responses should be no more than {{words}} words.
Include names when possible.
Response must be in the past tense.
Your response must ONLY contain the summary.

{{#if history}}
Following is a history of messages for context:
{{history}}
{{/if}}

Following is the message to summarize:
{{message}}
`

package memory

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/injection"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
)

// CapacityMode selects how tier capacity is bounded.
type CapacityMode string

const (
	// CapacityTokens bounds each tier by a token budget.
	CapacityTokens CapacityMode = "tokens"
	// CapacityRecency keeps the newest messages raw and leaves tiers unbounded.
	CapacityRecency CapacityMode = "recency"
)

// BudgetUnit is the unit of a tier budget.
type BudgetUnit string

const (
	UnitTokens  BudgetUnit = "tokens"
	UnitPercent BudgetUnit = "percent"
)

// Budget is a tier capacity, absolute or relative to the context size.
type Budget struct {
	Size int        `json:"size"`
	Unit BudgetUnit `json:"unit"`
}

// Tokens resolves the budget against contextSize. Negative sizes count as zero.
func (b Budget) Tokens(contextSize int) int {
	if b.Size <= 0 {
		return 0
	}
	if b.Unit == UnitPercent {
		if contextSize <= 0 {
			return 0
		}
		return contextSize * b.Size / 100
	}
	return b.Size
}

// Capacity is the configured tier capacity policy.
type Capacity struct {
	Mode               CapacityMode `json:"mode" env:"TIERMEM_MEMORY_CAPACITY_MODE"`
	ShortTermBudget    Budget       `json:"short_term_budget"`
	LongTermBudget     Budget       `json:"long_term_budget"`
	InjectionThreshold int          `json:"injection_threshold" env:"TIERMEM_MEMORY_CAPACITY_INJECTION_THRESHOLD"`
}

// Settings is the typed memory configuration.
type Settings struct {
	// inclusion
	MessageLengthThreshold  int      `json:"message_length_threshold" env:"TIERMEM_MEMORY_MESSAGE_LENGTH_THRESHOLD"`
	IncludeUserMessages     bool     `json:"include_user_messages" env:"TIERMEM_MEMORY_INCLUDE_USER_MESSAGES"`
	IncludeSystemMessages   bool     `json:"include_system_messages" env:"TIERMEM_MEMORY_INCLUDE_SYSTEM_MESSAGES"`
	IncludeNarratorMessages bool     `json:"include_narrator_messages" env:"TIERMEM_MEMORY_INCLUDE_NARRATOR_MESSAGES"`
	IncludeThoughtMessages  bool     `json:"include_thought_messages" env:"TIERMEM_MEMORY_INCLUDE_THOUGHT_MESSAGES"`
	DisabledCharacters      []string `json:"disabled_characters" env:"TIERMEM_MEMORY_DISABLED_CHARACTERS" envSeparator:","`

	// capacity and injection
	Capacity                      Capacity            `json:"capacity"`
	SeparateLongTerm              bool                `json:"separate_long_term" env:"TIERMEM_MEMORY_SEPARATE_LONG_TERM"`
	ExcludeMessagesAfterThreshold bool                `json:"exclude_messages_after_threshold" env:"TIERMEM_MEMORY_EXCLUDE_MESSAGES_AFTER_THRESHOLD"`
	KeepLastUserMessage           bool                `json:"keep_last_user_message" env:"TIERMEM_MEMORY_KEEP_LAST_USER_MESSAGE"`
	Separator                     string              `json:"summary_injection_separator" env:"TIERMEM_MEMORY_SUMMARY_INJECTION_SEPARATOR"`
	LongTemplate                  string              `json:"long_template" env:"TIERMEM_MEMORY_LONG_TEMPLATE"`
	ShortTemplate                 string              `json:"short_template" env:"TIERMEM_MEMORY_SHORT_TEMPLATE"`
	LongTerm                      injection.Placement `json:"long_term"`
	ShortTerm                     injection.Placement `json:"short_term"`

	// summarization prompt
	Prompt                  string                  `json:"prompt" env:"TIERMEM_MEMORY_PROMPT"`
	PromptRole              string                  `json:"prompt_role" env:"TIERMEM_MEMORY_PROMPT_ROLE"`
	Prefill                 string                  `json:"prefill" env:"TIERMEM_MEMORY_PREFILL"`
	ShowPrefill             bool                    `json:"show_prefill" env:"TIERMEM_MEMORY_SHOW_PREFILL"`
	Macros                  map[string]prompt.Macro `json:"macros"`
	Variables               map[string]string       `json:"variables"`
	MaxResponseTokens       int                     `json:"max_response_tokens" env:"TIERMEM_MEMORY_MAX_RESPONSE_TOKENS"`
	ContextSize             int                     `json:"context_size" env:"TIERMEM_MEMORY_CONTEXT_SIZE"`
	TrimIncompleteSentences bool                    `json:"trim_incomplete_sentences" env:"TIERMEM_MEMORY_TRIM_INCOMPLETE_SENTENCES"`
	ReasoningPrefix         string                  `json:"reasoning_prefix" env:"TIERMEM_MEMORY_REASONING_PREFIX"`
	ReasoningSuffix         string                  `json:"reasoning_suffix" env:"TIERMEM_MEMORY_REASONING_SUFFIX"`

	// scheduling
	AutoSummarize            bool    `json:"auto_summarize" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE"`
	SummarizationDelay       int     `json:"summarization_delay" env:"TIERMEM_MEMORY_SUMMARIZATION_DELAY"`
	SummarizationTimeDelay   float64 `json:"summarization_time_delay" env:"TIERMEM_MEMORY_SUMMARIZATION_TIME_DELAY"`
	SkipFirstDelay           bool    `json:"summarization_time_delay_skip_first" env:"TIERMEM_MEMORY_SUMMARIZATION_TIME_DELAY_SKIP_FIRST"`
	BatchSize                int     `json:"auto_summarize_batch_size" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_BATCH_SIZE"`
	MessageLimit             int     `json:"auto_summarize_message_limit" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_MESSAGE_LIMIT"`
	AutoSummarizeOnEdit      bool    `json:"auto_summarize_on_edit" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_ON_EDIT"`
	AutoSummarizeOnSwipe     bool    `json:"auto_summarize_on_swipe" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_ON_SWIPE"`
	AutoSummarizeOnContinue  bool    `json:"auto_summarize_on_continue" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_ON_CONTINUE"`
	AutoSummarizeOnSend      bool    `json:"auto_summarize_on_send" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_ON_SEND"`
	AutoSummarizeProgress    bool    `json:"auto_summarize_progress" env:"TIERMEM_MEMORY_AUTO_SUMMARIZE_PROGRESS"`
	DiscardLateResults       bool    `json:"discard_late_results" env:"TIERMEM_MEMORY_DISCARD_LATE_RESULTS"`
	DefaultConversationState bool    `json:"default_chat_enabled" env:"TIERMEM_MEMORY_DEFAULT_CHAT_ENABLED"`
}

const (
	DefaultLongTemplate  = "[Following is a list of events that occurred in the past]:\n{{memories}}\n"
	DefaultShortTemplate = "[Following is a list of recent events]:\n{{memories}}\n"
)

// DefaultSettings returns the out-of-the-box configuration.
func DefaultSettings() Settings {
	placement := injection.Placement{Position: injection.PositionInPrompt, Depth: 2, Role: "system"}
	return Settings{
		MessageLengthThreshold: 10,
		Capacity: Capacity{
			Mode:            CapacityTokens,
			ShortTermBudget: Budget{Size: 10, Unit: UnitPercent},
			LongTermBudget:  Budget{Size: 10, Unit: UnitPercent},
		},
		KeepLastUserMessage:      true,
		Separator:                "\n* ",
		LongTemplate:             DefaultLongTemplate,
		ShortTemplate:            DefaultShortTemplate,
		LongTerm:                 placement,
		ShortTerm:                placement,
		Prompt:                   prompt.DefaultTemplate,
		PromptRole:               "system",
		Macros:                   prompt.DefaultMacros(),
		Variables:                map[string]string{"words": "50"},
		MaxResponseTokens:        16000,
		ContextSize:              8192,
		ReasoningPrefix:          "<think>",
		ReasoningSuffix:          "</think>",
		AutoSummarize:            true,
		BatchSize:                1,
		MessageLimit:             10,
		AutoSummarizeOnSwipe:     true,
		AutoSummarizeProgress:    true,
		DefaultConversationState: true,
	}
}

// Normalize clamps degenerate values and fills missing defaults. It returns
// human-readable notes for every value it had to change.
func (s *Settings) Normalize() []string {
	var notes []string
	clamp := func(name string, v *int) {
		if *v < 0 {
			notes = append(notes, fmt.Sprintf("%s=%d is negative, treated as 0", name, *v))
			*v = 0
		}
	}
	clamp("message_length_threshold", &s.MessageLengthThreshold)
	clamp("capacity.short_term_budget.size", &s.Capacity.ShortTermBudget.Size)
	clamp("capacity.long_term_budget.size", &s.Capacity.LongTermBudget.Size)
	clamp("capacity.injection_threshold", &s.Capacity.InjectionThreshold)
	clamp("summarization_delay", &s.SummarizationDelay)
	clamp("auto_summarize_message_limit", &s.MessageLimit)
	if s.SummarizationTimeDelay < 0 {
		notes = append(notes, "summarization_time_delay is negative, treated as 0")
		s.SummarizationTimeDelay = 0
	}
	if s.BatchSize < 1 {
		notes = append(notes, fmt.Sprintf("auto_summarize_batch_size=%d raised to 1", s.BatchSize))
		s.BatchSize = 1
	}

	switch CapacityMode(strings.ToLower(string(s.Capacity.Mode))) {
	case CapacityTokens, "":
		s.Capacity.Mode = CapacityTokens
	case CapacityRecency:
		s.Capacity.Mode = CapacityRecency
	default:
		notes = append(notes, fmt.Sprintf("unknown capacity mode %q, using tokens", s.Capacity.Mode))
		s.Capacity.Mode = CapacityTokens
	}
	for _, b := range []*Budget{&s.Capacity.ShortTermBudget, &s.Capacity.LongTermBudget} {
		if b.Unit != UnitPercent {
			b.Unit = UnitTokens
		}
	}

	for _, p := range []*injection.Placement{&s.LongTerm, &s.ShortTerm} {
		pos, err := injection.ParsePosition(string(p.Position))
		if err != nil {
			notes = append(notes, err.Error()+", using in_prompt")
			pos = injection.PositionInPrompt
		}
		p.Position = pos
		if p.Depth < 0 {
			p.Depth = 0
		}
		p.Role = normalizeRole(p.Role)
	}
	s.PromptRole = normalizeRole(s.PromptRole)

	if s.Macros == nil {
		s.Macros = prompt.DefaultMacros()
	}
	for name, m := range s.Macros {
		if m.Name == "" {
			m.Name = name
			s.Macros[name] = m
		}
	}
	if s.Variables == nil {
		s.Variables = map[string]string{}
	}
	if s.MaxResponseTokens <= 0 {
		s.MaxResponseTokens = 16000
	}
	return notes
}

func normalizeRole(role string) string {
	switch r := strings.ToLower(strings.TrimSpace(role)); r {
	case "user", "assistant":
		return r
	default:
		return "system"
	}
}

// ShortBudgetTokens is the resolved short tier budget.
func (s Settings) ShortBudgetTokens() int {
	return s.Capacity.ShortTermBudget.Tokens(s.ContextSize)
}

// LongBudgetTokens is the resolved long tier budget.
func (s Settings) LongBudgetTokens() int {
	return s.Capacity.LongTermBudget.Tokens(s.ContextSize)
}

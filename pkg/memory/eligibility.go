package memory

import (
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/tokens"
)

// Eligibility evaluates the exclusion predicate for one settings snapshot.
type Eligibility struct {
	settings Settings
	counter  tokens.Counter
	disabled map[string]bool
}

// NewEligibility builds the predicate. Characters disabled either globally or
// for the conversation are excluded.
func NewEligibility(s Settings, counter tokens.Counter, meta chat.Metadata) Eligibility {
	disabled := make(map[string]bool, len(s.DisabledCharacters)+len(meta.DisabledCharacters))
	for _, k := range s.DisabledCharacters {
		disabled[k] = true
	}
	for _, k := range meta.DisabledCharacters {
		disabled[k] = true
	}
	if counter == nil {
		counter = tokens.HeuristicCounter{}
	}
	return Eligibility{settings: s, counter: counter, disabled: disabled}
}

// Eligible reports whether m may be summarized and tiered. The checks run in
// a fixed order and the first match decides.
func (e Eligibility) Eligible(m chat.Message) bool {
	if m.Kind == chat.KindBookkeeping {
		return false
	}
	if m.Record.Remember {
		return true
	}
	if m.Record.Exclude {
		return false
	}
	if !e.settings.IncludeUserMessages && m.IsUser() {
		return false
	}
	if !e.settings.IncludeSystemMessages && m.IsSystem() {
		return false
	}
	if !e.settings.IncludeNarratorMessages && m.Kind == chat.KindNarrator {
		return false
	}
	if !e.settings.IncludeThoughtMessages && m.Kind == chat.KindThought {
		return false
	}
	if m.CharacterKey != "" && e.disabled[m.CharacterKey] {
		return false
	}
	if e.counter.Count(m.Text) < e.settings.MessageLengthThreshold {
		return false
	}
	return true
}

// DisplaySummary is the summary text used for injection and history macros.
func (e Eligibility) DisplaySummary(m chat.Message) string {
	return displaySummary(e.settings, m.Record)
}

func displaySummary(s Settings, r chat.Record) string {
	if r.Summary == "" {
		return ""
	}
	if s.ShowPrefill && r.Prefill != "" {
		return r.Prefill + r.Summary
	}
	return r.Summary
}

package memory

import (
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/tokens"
)

// Assignment is the derived tier state of one message.
type Assignment struct {
	Tier    chat.Tier
	Lagging bool
}

// Classification maps every history index to its assignment.
type Classification struct {
	Assignments []Assignment
	ShortTokens int
	LongTokens  int
}

// Indices returns the indices assigned to tier, oldest first.
func (c Classification) Indices(tier chat.Tier) []int {
	var out []int
	for i, a := range c.Assignments {
		if a.Tier == tier {
			out = append(out, i)
		}
	}
	return out
}

// LaggingCount returns how many messages are kept raw.
func (c Classification) LaggingCount() int {
	n := 0
	for _, a := range c.Assignments {
		if a.Lagging {
			n++
		}
	}
	return n
}

// Classifier assigns tiers from a settings snapshot. It holds no state
// between calls.
type Classifier struct {
	settings    Settings
	counter     tokens.Counter
	eligibility Eligibility
}

func NewClassifier(s Settings, counter tokens.Counter, meta chat.Metadata) *Classifier {
	if counter == nil {
		counter = tokens.HeuristicCounter{}
	}
	return &Classifier{
		settings:    s,
		counter:     counter,
		eligibility: NewEligibility(s, counter, meta),
	}
}

// Eligibility exposes the exclusion predicate used by this classifier.
func (c *Classifier) Eligibility() Eligibility { return c.eligibility }

const unlimited = -1

// Classify recomputes tier and lagging for the whole history in one pass
// from newest to oldest.
func (c *Classifier) Classify(history []chat.Message) Classification {
	s := c.settings
	n := len(history)
	out := Classification{Assignments: make([]Assignment, n)}
	if n == 0 {
		return out
	}

	shortBudget, longBudget := s.ShortBudgetTokens(), s.LongBudgetTokens()
	firstRaw := n
	if s.Capacity.Mode == CapacityRecency {
		shortBudget, longBudget = unlimited, unlimited
		firstRaw = max(n-s.Capacity.InjectionThreshold, 0)
	}

	lastUser := -1
	if s.KeepLastUserMessage && s.ExcludeMessagesAfterThreshold {
		for i := n - 1; i >= 0; i-- {
			if history[i].IsUser() {
				lastUser = i
				break
			}
		}
	}

	var shortText, longText string
	shortClosed, longClosed := false, false
	for i := n - 1; i >= 0; i-- {
		m := history[i]
		a := &out.Assignments[i]
		a.Tier = chat.TierNone
		a.Lagging = i >= firstRaw || i == lastUser
		if a.Lagging {
			continue
		}
		if !c.eligibility.Eligible(m) {
			continue
		}
		summary := displaySummary(s, m.Record)
		if summary == "" {
			continue
		}
		piece := s.Separator + summary

		if !shortClosed && !(s.SeparateLongTerm && m.Record.Remember) {
			if candidate := shortText + piece; c.fits(candidate, shortBudget) {
				shortText = candidate
				a.Tier = chat.TierShort
				continue
			}
			shortClosed = true
		}
		if m.Record.Remember && !longClosed {
			if candidate := longText + piece; c.fits(candidate, longBudget) {
				longText = candidate
				a.Tier = chat.TierLong
				continue
			}
			longClosed = true
		}
	}

	out.ShortTokens = c.counter.Count(shortText)
	out.LongTokens = c.counter.Count(longText)
	return out
}

func (c *Classifier) fits(text string, budget int) bool {
	if budget == unlimited {
		return true
	}
	return c.counter.Count(text) <= budget
}

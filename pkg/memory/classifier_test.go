package memory

import (
	"fmt"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/tokens"
)

var runeCounter = tokens.CounterFunc(utf8.RuneCountInString)

func tokenSettings(short, long int) Settings {
	s := DefaultSettings()
	s.MessageLengthThreshold = 0
	s.Separator = ""
	s.KeepLastUserMessage = false
	s.Capacity = Capacity{
		Mode:            CapacityTokens,
		ShortTermBudget: Budget{Size: short, Unit: UnitTokens},
		LongTermBudget:  Budget{Size: long, Unit: UnitTokens},
	}
	return s
}

func summarized(n int, summary string) []chat.Message {
	out := make([]chat.Message, n)
	for i := range out {
		out[i] = chat.Message{
			ID:     fmt.Sprintf("m%d", i),
			Role:   chat.RoleAssistant,
			Name:   "Bot",
			Text:   fmt.Sprintf("message body number %d", i),
			Record: chat.Record{Summary: summary},
		}
	}
	return out
}

func tiers(c Classification) []chat.Tier {
	out := make([]chat.Tier, len(c.Assignments))
	for i, a := range c.Assignments {
		out[i] = a.Tier
	}
	return out
}

func TestClassify_ShortBudgetKeepsNewest(t *testing.T) {
	history := summarized(5, "ab")
	c := NewClassifier(tokenSettings(5, 0), runeCounter, chat.Metadata{})

	got := c.Classify(history)
	assert.Equal(t, []chat.Tier{chat.TierNone, chat.TierNone, chat.TierNone, chat.TierShort, chat.TierShort}, tiers(got))
	assert.Equal(t, 4, got.ShortTokens)
	assert.Equal(t, []int{3, 4}, got.Indices(chat.TierShort))
}

func TestClassify_Deterministic(t *testing.T) {
	history := summarized(12, "summary text")
	history[2].Record.Remember = true
	history[7].Record.Exclude = true
	s := tokenSettings(40, 30)
	s.SeparateLongTerm = true
	c := NewClassifier(s, runeCounter, chat.Metadata{})

	first := c.Classify(history)
	second := c.Classify(history)
	assert.Equal(t, first, second)
}

func TestClassify_ExcludedNeverTiered(t *testing.T) {
	history := summarized(4, "ab")
	history[3].Record.Exclude = true
	c := NewClassifier(tokenSettings(1000, 1000), runeCounter, chat.Metadata{})

	got := c.Classify(history)
	assert.Equal(t, chat.TierNone, got.Assignments[3].Tier)
	assert.Equal(t, []int{0, 1, 2}, got.Indices(chat.TierShort))
}

func TestClassify_RememberOverridesExclusionPredicates(t *testing.T) {
	history := summarized(4, "ab")
	history[0].Role = chat.RoleUser
	history[1].Kind = chat.KindNarrator
	history[2].Text = "x"
	history[3].CharacterKey = "muted"
	for i := range history {
		history[i].Record.Remember = true
	}
	s := tokenSettings(1000, 1000)
	s.MessageLengthThreshold = 5
	s.DisabledCharacters = []string{"muted"}

	c := NewClassifier(s, runeCounter, chat.Metadata{})
	for i, a := range c.Classify(history).Assignments {
		assert.NotEqual(t, chat.TierNone, a.Tier, "index %d", i)
	}

	for i := range history {
		history[i].Record.Remember = false
	}
	for i, a := range c.Classify(history).Assignments {
		assert.Equal(t, chat.TierNone, a.Tier, "index %d", i)
	}
}

func TestClassify_SeparateLongTerm(t *testing.T) {
	history := summarized(4, "ab")
	history[0].Record.Remember = true
	history[3].Record.Remember = true
	s := tokenSettings(100, 100)
	s.SeparateLongTerm = true

	got := NewClassifier(s, runeCounter, chat.Metadata{}).Classify(history)
	assert.Equal(t, []chat.Tier{chat.TierLong, chat.TierShort, chat.TierShort, chat.TierLong}, tiers(got))
}

func TestClassify_RememberedOverflowFallsToLong(t *testing.T) {
	history := summarized(4, "ab")
	history[0].Record.Remember = true
	got := NewClassifier(tokenSettings(4, 10), runeCounter, chat.Metadata{}).Classify(history)
	assert.Equal(t, []chat.Tier{chat.TierLong, chat.TierNone, chat.TierShort, chat.TierShort}, tiers(got))
}

func TestClassify_BudgetRespected(t *testing.T) {
	summaries := []string{"one", "three", "seven", "eleven words", "x", "a bit longer summary", "mid"}
	for budget := 0; budget <= 40; budget += 3 {
		s := tokenSettings(budget, budget)
		s.Separator = " | "
		history := summarized(len(summaries), "")
		for i, text := range summaries {
			history[i].Record.Summary = text
			history[i].Record.Remember = i%3 == 0
		}
		got := NewClassifier(s, runeCounter, chat.Metadata{}).Classify(history)
		assert.LessOrEqual(t, got.ShortTokens, budget)
		assert.LessOrEqual(t, got.LongTokens, budget)

		inj := BuildInjection(history, got, Settings{Separator: s.Separator, ShortTemplate: "{{memories}}", LongTemplate: "{{memories}}"}, InjectionOptions{})
		assert.LessOrEqual(t, runeCounter.Count(inj.Short.Text), budget)
	}
}

func TestClassify_ZeroCapacity(t *testing.T) {
	history := summarized(3, "ab")
	history[1].Record.Remember = true
	s := tokenSettings(-5, 0)
	s.Normalize()
	got := NewClassifier(s, runeCounter, chat.Metadata{}).Classify(history)
	assert.Empty(t, got.Indices(chat.TierShort))
	assert.Empty(t, got.Indices(chat.TierLong))
	assert.Zero(t, got.LaggingCount())
}

func TestClassify_PercentBudget(t *testing.T) {
	s := tokenSettings(0, 0)
	s.ContextSize = 100
	s.Capacity.ShortTermBudget = Budget{Size: 6, Unit: UnitPercent}
	got := NewClassifier(s, runeCounter, chat.Metadata{}).Classify(summarized(5, "ab"))
	assert.Equal(t, []int{2, 3, 4}, got.Indices(chat.TierShort))
}

func TestClassify_RecencyLagging(t *testing.T) {
	s := tokenSettings(0, 0)
	s.Capacity.Mode = CapacityRecency
	s.Capacity.InjectionThreshold = 3
	c := NewClassifier(s, runeCounter, chat.Metadata{})

	for n := 0; n <= 8; n++ {
		got := c.Classify(summarized(n, "ab"))
		require.Len(t, got.Assignments, n)
		assert.Equal(t, min(n, 3), got.LaggingCount(), "history length %d", n)
		for i, a := range got.Assignments {
			if a.Lagging {
				assert.GreaterOrEqual(t, i, n-3)
				assert.Equal(t, chat.TierNone, a.Tier)
			} else {
				assert.Equal(t, chat.TierShort, a.Tier)
			}
		}
	}
}

func TestClassify_LastUserMessageLags(t *testing.T) {
	history := summarized(4, "ab")
	history[2].Role = chat.RoleUser
	s := tokenSettings(100, 0)
	s.IncludeUserMessages = true
	s.KeepLastUserMessage = true
	s.ExcludeMessagesAfterThreshold = true

	got := NewClassifier(s, runeCounter, chat.Metadata{}).Classify(history)
	assert.True(t, got.Assignments[2].Lagging)
	assert.Equal(t, chat.TierNone, got.Assignments[2].Tier)
	assert.Equal(t, []int{0, 1, 3}, got.Indices(chat.TierShort))
	assert.Equal(t, []int{2}, lagging(got))

	s.ExcludeMessagesAfterThreshold = false
	got = NewClassifier(s, runeCounter, chat.Metadata{}).Classify(history)
	assert.Zero(t, got.LaggingCount())
}

func lagging(c Classification) []int {
	var out []int
	for i, a := range c.Assignments {
		if a.Lagging {
			out = append(out, i)
		}
	}
	return out
}

func TestClassify_EmptyHistory(t *testing.T) {
	got := NewClassifier(DefaultSettings(), nil, chat.Metadata{}).Classify(nil)
	assert.Empty(t, got.Assignments)
	assert.Zero(t, got.ShortTokens)
}

func TestClassify_ShowPrefillCountsTowardBudget(t *testing.T) {
	history := summarized(2, "ab")
	for i := range history {
		history[i].Record.Prefill = "P:"
	}
	s := tokenSettings(4, 0)
	s.ShowPrefill = true
	got := NewClassifier(s, runeCounter, chat.Metadata{}).Classify(history)
	assert.Equal(t, []int{1}, got.Indices(chat.TierShort))
}

func TestEligibility_Order(t *testing.T) {
	s := DefaultSettings()
	s.MessageLengthThreshold = 3
	meta := chat.Metadata{DisabledCharacters: []string{"quiet"}}
	e := NewEligibility(s, runeCounter, meta)

	cases := []struct {
		name string
		msg  chat.Message
		want bool
	}{
		{"bookkeeping beats remember", chat.Message{Kind: chat.KindBookkeeping, Text: "long enough", Record: chat.Record{Remember: true}}, false},
		{"remember beats length", chat.Message{Text: "x", Record: chat.Record{Remember: true}}, true},
		{"exclude", chat.Message{Text: "long enough", Record: chat.Record{Exclude: true}}, false},
		{"user", chat.Message{Role: chat.RoleUser, Text: "long enough"}, false},
		{"hidden", chat.Message{Role: chat.RoleAssistant, Hidden: true, Text: "long enough"}, false},
		{"narrator", chat.Message{Kind: chat.KindNarrator, Text: "long enough"}, false},
		{"thought", chat.Message{Kind: chat.KindThought, Text: "long enough"}, false},
		{"disabled character", chat.Message{CharacterKey: "quiet", Text: "long enough"}, false},
		{"too short", chat.Message{Text: "ab"}, false},
		{"regular", chat.Message{Role: chat.RoleAssistant, CharacterKey: "bot", Text: "abc"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.Eligible(tc.msg))
		})
	}
}

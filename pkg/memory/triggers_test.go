package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/chat"
)

func testPolicy(mutate func(*Settings)) TriggerPolicy {
	s := DefaultSettings()
	s.MessageLengthThreshold = 0
	if mutate != nil {
		mutate(&s)
	}
	return TriggerPolicy{Settings: s, Eligibility: NewEligibility(s, runeCounter, chat.Metadata{})}
}

func TestCollectAutoSummarize(t *testing.T) {
	history := summarized(8, "")
	history[7].Record.Summary = "done"
	history[5].Record.Remember = true
	history[2].Role = chat.RoleUser

	p := testPolicy(func(s *Settings) {
		s.SummarizationDelay = 1
		s.MessageLimit = 4
	})
	// eligible newest first: 7 6 4 3 1 0; depth 1 is lagged, depth > 5 stops.
	assert.Equal(t, []int{1, 3, 4, 6}, p.CollectAutoSummarize(history))

	p = testPolicy(func(s *Settings) { s.BatchSize = 7 })
	assert.Nil(t, p.CollectAutoSummarize(history))

	p = testPolicy(func(s *Settings) { s.MessageLimit = 0 })
	assert.Equal(t, []int{0, 1, 3, 4, 6}, p.CollectAutoSummarize(history))
}

func TestCollectAutoSummarize_SkipsFailedUntilEdited(t *testing.T) {
	history := summarized(3, "")
	history[1].Record.Error = "Empty Response"
	history[1].Record.FailedHash = chat.Fingerprint(history[1].Text)

	p := testPolicy(nil)
	assert.Equal(t, []int{0, 2}, p.CollectAutoSummarize(history))

	history[1].Text += " (edited)"
	assert.Equal(t, []int{0, 1, 2}, p.CollectAutoSummarize(history))
}

func TestDecide_EditWithIdenticalTextSchedulesNothing(t *testing.T) {
	history := summarized(2, "old summary")
	for i := range history {
		history[i].Record.ContentHash = chat.Fingerprint(history[i].Text)
	}
	p := testPolicy(func(s *Settings) { s.AutoSummarizeOnEdit = true })

	d := p.Decide(bus.ChatEvent{Kind: bus.EventEdit, Index: 1}, history, true)
	assert.False(t, d.Summarize())

	history[1].Text = "rewritten body"
	d = p.Decide(bus.ChatEvent{Kind: bus.EventEdit, Index: 1}, history, true)
	assert.Equal(t, []int{1}, d.Indices)
	assert.False(t, d.Options.Force)

	p = testPolicy(nil)
	d = p.Decide(bus.ChatEvent{Kind: bus.EventEdit, Index: 1}, history, true)
	assert.False(t, d.Summarize(), "edit trigger is off by default")
}

func TestDecide_Swipe(t *testing.T) {
	m := chat.Message{
		ID:      "m0",
		Role:    chat.RoleAssistant,
		Text:    "second take",
		SwipeID: 1,
		Swipes: []chat.Swipe{
			{Text: "first take", Record: chat.Record{Summary: "first"}},
			{Text: "second take", Record: chat.Record{Summary: "first"}},
		},
		Record: chat.Record{Summary: "first"},
	}
	history := []chat.Message{m}
	p := testPolicy(nil)

	d := p.Decide(bus.ChatEvent{Kind: bus.EventSwipe, Index: 0, SwipeID: 1, SwipeCount: 2, Generated: true}, history, true)
	assert.True(t, d.ClearSummary)
	assert.Equal(t, []int{0}, d.Indices)

	d = p.Decide(bus.ChatEvent{Kind: bus.EventSwipe, Index: 0, SwipeID: 1, SwipeCount: 2}, history, true)
	assert.False(t, d.ClearSummary)
	assert.False(t, d.Summarize())

	history[0].Swipes[0].Record = chat.Record{}
	d = p.Decide(bus.ChatEvent{Kind: bus.EventSwipe, Index: 0, SwipeID: 1, SwipeCount: 2, Generated: true}, history, true)
	assert.True(t, d.ClearSummary)
	assert.False(t, d.Summarize(), "previous alternative had no summary")
}

func TestDecide_NewMessage(t *testing.T) {
	history := summarized(3, "")
	p := testPolicy(func(s *Settings) { s.SkipFirstDelay = true })

	d := p.Decide(bus.ChatEvent{Kind: bus.EventNew, Index: 2}, history, true)
	assert.Equal(t, []int{0, 1, 2}, d.Indices)
	assert.True(t, d.Options.SkipInitialDelay)

	d = p.Decide(bus.ChatEvent{Kind: bus.EventNew, Index: 2}, history, false)
	assert.False(t, d.Summarize(), "disabled conversation")

	onSend := testPolicy(func(s *Settings) { s.AutoSummarizeOnSend = true })
	assert.False(t, onSend.Decide(bus.ChatEvent{Kind: bus.EventNew, Index: 2}, history, true).Summarize())
	assert.True(t, onSend.Decide(bus.ChatEvent{Kind: bus.EventBeforeGenerate}, history, true).Summarize())
	assert.False(t, onSend.Decide(bus.ChatEvent{Kind: bus.EventBeforeGenerate, Dry: true}, history, true).Summarize())

	assert.False(t, p.Decide(bus.ChatEvent{Kind: bus.EventUserMessage}, history, true).Summarize())
	withUsers := testPolicy(func(s *Settings) { s.IncludeUserMessages = true })
	assert.True(t, withUsers.Decide(bus.ChatEvent{Kind: bus.EventUserMessage}, history, true).Summarize())
}

func TestDecide_ContinueManualDelete(t *testing.T) {
	history := summarized(2, "")
	history[1].Record.Summary = "s"
	p := testPolicy(func(s *Settings) { s.AutoSummarizeOnContinue = true })

	assert.Equal(t, []int{1}, p.Decide(bus.ChatEvent{Kind: bus.EventContinue, Index: 1}, history, true).Indices)
	assert.False(t, p.Decide(bus.ChatEvent{Kind: bus.EventContinue, Index: 0}, history, true).Summarize())

	d := p.Decide(bus.ChatEvent{Kind: bus.EventManual, Indices: []int{0, 1}, Force: true}, history, true)
	assert.Equal(t, []int{0, 1}, d.Indices)
	assert.True(t, d.Options.Force)

	d = p.Decide(bus.ChatEvent{Kind: bus.EventDelete, Index: 1}, history, false)
	assert.Equal(t, 1, d.Forget)
	assert.False(t, d.Summarize())

	d = p.Decide(bus.ChatEvent{Kind: bus.EventChatChanged}, history, true)
	assert.Equal(t, -1, d.Forget)
	assert.False(t, d.Summarize())
}

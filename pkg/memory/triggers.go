package memory

import (
	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/chat"
)

// Decision is the trigger policy outcome for one chat event. The caller
// always refreshes the injection afterwards.
type Decision struct {
	// ClearSummary resets the record at the event index before anything else.
	ClearSummary bool
	// Forget shifts queued jobs after a delete; -1 when unused.
	Forget  int
	Indices []int
	Options RunOptions
}

// Summarize reports whether the decision schedules any job.
func (d Decision) Summarize() bool { return len(d.Indices) > 0 }

// TriggerPolicy maps chat events to summarization decisions.
type TriggerPolicy struct {
	Settings    Settings
	Eligibility Eligibility
}

// Decide evaluates ev against history, which must reflect the state after
// the mutation the event describes. A disabled conversation only refreshes.
func (p TriggerPolicy) Decide(ev bus.ChatEvent, history []chat.Message, enabled bool) Decision {
	d := Decision{Forget: -1}
	if ev.Kind == bus.EventDelete {
		d.Forget = ev.Index
	}
	if !enabled {
		return d
	}
	s := p.Settings
	progress := s.AutoSummarizeProgress

	switch ev.Kind {
	case bus.EventNew:
		if s.AutoSummarize && !s.AutoSummarizeOnSend {
			d.Indices = p.CollectAutoSummarize(history)
			d.Options = RunOptions{ShowProgress: progress, SkipInitialDelay: s.SkipFirstDelay}
		}
	case bus.EventUserMessage:
		if s.AutoSummarize && s.IncludeUserMessages {
			d.Indices = p.CollectAutoSummarize(history)
			d.Options = RunOptions{ShowProgress: progress}
		}
	case bus.EventBeforeGenerate:
		if s.AutoSummarize && s.AutoSummarizeOnSend && !ev.Dry {
			d.Indices = p.CollectAutoSummarize(history)
			d.Options = RunOptions{ShowProgress: progress}
		}
	case bus.EventEdit:
		m, ok := at(history, ev.Index)
		if !ok || !s.AutoSummarizeOnEdit || !m.Record.HasSummary() || !p.Eligibility.Eligible(m) {
			break
		}
		if m.Record.ContentHash == chat.Fingerprint(m.Text) {
			break
		}
		d.Indices = []int{ev.Index}
		d.Options = RunOptions{ShowProgress: true}
	case bus.EventSwipe:
		m, ok := at(history, ev.Index)
		if !ok || !ev.Generated {
			break
		}
		d.ClearSummary = true
		m.Record = chat.Record{}
		if s.AutoSummarizeOnSwipe && p.Eligibility.Eligible(m) && previousSwipeSummarized(m) {
			d.Indices = []int{ev.Index}
			d.Options = RunOptions{ShowProgress: true, SkipInitialDelay: s.SkipFirstDelay}
		}
	case bus.EventContinue:
		m, ok := at(history, ev.Index)
		if ok && s.AutoSummarizeOnContinue && m.Record.HasSummary() {
			d.Indices = []int{ev.Index}
			d.Options = RunOptions{ShowProgress: true, SkipInitialDelay: s.SkipFirstDelay}
		}
	case bus.EventManual:
		d.Indices = ev.Indices
		if len(d.Indices) == 0 && len(history) > 0 {
			d.Indices = []int{ev.Index}
		}
		d.Options = RunOptions{ShowProgress: true, Force: ev.Force}
	}
	return d
}

// CollectAutoSummarize walks history from newest to oldest and returns, in
// chronological order, the eligible unsummarized messages past the lag and
// within the depth limit, skipping messages whose last attempt failed on
// unchanged text. Fewer than BatchSize candidates yields none.
func (p TriggerPolicy) CollectAutoSummarize(history []chat.Message) []int {
	s := p.Settings
	lag, limit := s.SummarizationDelay, s.MessageLimit
	var out []int
	depth := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Record.Remember || !p.Eligibility.Eligible(m) {
			continue
		}
		depth++
		if depth <= lag {
			continue
		}
		if limit > 0 && depth > limit+lag {
			break
		}
		if m.Record.HasSummary() || failedForText(m) {
			continue
		}
		out = append(out, i)
	}
	if len(out) < max(s.BatchSize, 1) {
		return nil
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// failedForText reports a recorded generation failure for the current text.
// Such messages wait for an edit or a manual run.
func failedForText(m chat.Message) bool {
	return m.Record.Error != "" && m.Record.FailedHash == chat.Fingerprint(m.Text)
}

func previousSwipeSummarized(m chat.Message) bool {
	prev := m.SwipeID - 1
	if prev < 0 || prev >= len(m.Swipes) {
		return false
	}
	return m.Swipes[prev].Record.HasSummary()
}

func at(history []chat.Message, index int) (chat.Message, bool) {
	if index < 0 || index >= len(history) {
		return chat.Message{}, false
	}
	return history[index], true
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/injection"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
	"github.com/dotsetgreg/tiermem/pkg/tokens"
)

// ConversationOptions wires a conversation to its collaborators.
type ConversationOptions struct {
	ID       string
	Store    chat.Store
	Backend  Backend
	Counter  tokens.Counter
	Scripts  prompt.Transformer
	Sink     injection.Sink
	Instruct *prompt.InstructFormat
	Settings Settings
	Metrics  *Metrics

	OnProgress   func(done, total int, label string)
	OnTransition func(Job)
}

// Conversation is the memory state machine of one chat. It owns the chat's
// scheduler; tier state is derived from the store on every Refresh.
type Conversation struct {
	id        string
	store     chat.Store
	backend   Backend
	counter   tokens.Counter
	composer  *prompt.Composer
	sink      injection.Sink
	instruct  *prompt.InstructFormat
	metrics   *Metrics
	scheduler *Scheduler

	mu       sync.RWMutex
	settings Settings

	refreshMu sync.Mutex
	last      Injection
}

func NewConversation(opts ConversationOptions) (*Conversation, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if strings.TrimSpace(opts.ID) == "" {
		opts.ID = "default"
	}
	if opts.Counter == nil {
		opts.Counter = tokens.HeuristicCounter{}
	}
	settings := opts.Settings
	for _, note := range settings.Normalize() {
		logger.WarnCF("memory", "Adjusted memory setting", map[string]interface{}{"note": note})
	}

	c := &Conversation{
		id:       opts.ID,
		store:    opts.Store,
		backend:  opts.Backend,
		counter:  opts.Counter,
		composer: prompt.NewComposer(opts.Scripts),
		sink:     opts.Sink,
		instruct: opts.Instruct,
		metrics:  opts.Metrics,
		settings: settings,
	}
	c.scheduler = NewScheduler(c.summarizeJob, SchedulerHooks{
		Delay: func() time.Duration {
			return time.Duration(c.Settings().SummarizationTimeDelay * float64(time.Second))
		},
		OnTransition: opts.OnTransition,
		OnProgress:   opts.OnProgress,
		OnFinish: func(ctx context.Context) {
			if _, err := c.Refresh(ctx); err != nil {
				logger.WarnCF("memory", "Refresh after summarization failed", map[string]interface{}{
					"conversation": c.id,
					"error":        err.Error(),
				})
			}
		},
	})
	return c, nil
}

func (c *Conversation) ID() string { return c.id }

// Store returns the message store backing the conversation.
func (c *Conversation) Store() chat.Store { return c.store }

// Scheduler returns the conversation's job scheduler.
func (c *Conversation) Scheduler() *Scheduler { return c.scheduler }

// Settings returns the current settings snapshot.
func (c *Conversation) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SetSettings replaces the settings; the next Refresh applies them.
func (c *Conversation) SetSettings(s Settings) {
	for _, note := range s.Normalize() {
		logger.WarnCF("memory", "Adjusted memory setting", map[string]interface{}{"note": note})
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

// Enabled reports whether memory is active for the conversation.
func (c *Conversation) Enabled(ctx context.Context) (bool, error) {
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return false, err
	}
	return c.enabledFor(meta), nil
}

func (c *Conversation) enabledFor(meta chat.Metadata) bool {
	if meta.Enabled != nil {
		return *meta.Enabled
	}
	return c.Settings().DefaultConversationState
}

// SetEnabled toggles memory for the conversation and refreshes.
func (c *Conversation) SetEnabled(ctx context.Context, enabled bool) error {
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return err
	}
	meta.Enabled = &enabled
	if err := c.store.SaveMetadata(ctx, meta); err != nil {
		return err
	}
	_, err = c.Refresh(ctx)
	return err
}

// SetCharacterEnabled excludes or re-includes one character's messages in
// this conversation.
func (c *Conversation) SetCharacterEnabled(ctx context.Context, key string, enabled bool) error {
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(meta.DisabledCharacters)+1)
	for _, k := range meta.DisabledCharacters {
		if k != key {
			kept = append(kept, k)
		}
	}
	if !enabled {
		kept = append(kept, key)
	}
	meta.DisabledCharacters = kept
	if err := c.store.SaveMetadata(ctx, meta); err != nil {
		return err
	}
	_, err = c.Refresh(ctx)
	return err
}

// Refresh reclassifies the history, persists changed tier state and
// publishes both injection slots.
func (c *Conversation) Refresh(ctx context.Context) (Classification, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	history, err := c.store.Snapshot(ctx)
	if err != nil {
		return Classification{}, err
	}
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return Classification{}, err
	}
	s := c.Settings()
	enabled := c.enabledFor(meta)

	var cls Classification
	if enabled {
		cls = NewClassifier(s, c.counter, meta).Classify(history)
		if err := c.persistAssignments(ctx, history, cls); err != nil {
			return cls, err
		}
	}

	inj := BuildInjection(history, cls, s, InjectionOptions{
		Vars:     c.vars(meta),
		Instruct: c.wrapFormat(),
		Disabled: !enabled,
	})
	c.last = inj
	c.metrics.observeClassification(c.id, cls)

	if c.sink == nil {
		return cls, nil
	}
	return cls, errors.Join(
		c.sink.SetSlot(ctx, inj.Long),
		c.sink.SetSlot(ctx, inj.Short),
	)
}

func (c *Conversation) persistAssignments(ctx context.Context, history []chat.Message, cls Classification) error {
	for i, a := range cls.Assignments {
		r := history[i].Record
		tier := r.Tier
		if tier == "" {
			tier = chat.TierNone
		}
		if tier == a.Tier && r.Lagging == a.Lagging && r.Tier != "" {
			continue
		}
		a := a
		if err := c.updateByID(ctx, history[i].ID, func(r *chat.Record) {
			r.Tier = a.Tier
			r.Lagging = a.Lagging
		}); err != nil {
			return err
		}
	}
	return nil
}

// Injection returns the slots published by the last Refresh.
func (c *Conversation) Injection() Injection {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.last
}

// HandleEvent applies the trigger policy to ev, refreshes, and runs any
// resulting summarization to completion.
func (c *Conversation) HandleEvent(ctx context.Context, ev bus.ChatEvent) (RunResult, error) {
	c.metrics.observeEvent(string(ev.Kind))
	history, err := c.store.Snapshot(ctx)
	if err != nil {
		return RunResult{}, err
	}
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return RunResult{}, err
	}
	s := c.Settings()
	policy := TriggerPolicy{Settings: s, Eligibility: NewEligibility(s, c.counter, meta)}
	d := policy.Decide(ev, history, c.enabledFor(meta))

	if d.Forget >= 0 {
		c.scheduler.Forget(d.Forget)
	}
	if d.ClearSummary {
		if err := c.store.UpdateRecord(ctx, ev.Index, clearRecord); err != nil {
			return RunResult{}, err
		}
	}
	if _, err := c.Refresh(ctx); err != nil {
		return RunResult{}, err
	}
	if !d.Summarize() {
		return RunResult{}, nil
	}
	logger.DebugCF("memory", "Event triggered summarization", map[string]interface{}{
		"conversation": c.id,
		"event":        string(ev.Kind),
		"indices":      d.Indices,
	})
	return c.run(ctx, d.Indices, d.Options)
}

// Summarize runs the given indices. Without opts.Force, messages whose text
// is unchanged since their last summary are skipped.
func (c *Conversation) Summarize(ctx context.Context, indices []int, opts RunOptions) (RunResult, error) {
	n, err := c.store.Len(ctx)
	if err != nil {
		return RunResult{}, err
	}
	if len(indices) == 0 && n > 0 {
		indices = []int{n - 1}
	}
	for _, i := range indices {
		if i < 0 || i >= n {
			return RunResult{}, fmt.Errorf("message %d: %w", i, chat.ErrNotFound)
		}
	}
	return c.run(ctx, indices, opts)
}

// AutoSummarize summarizes every message the auto policy would pick now.
func (c *Conversation) AutoSummarize(ctx context.Context) (RunResult, error) {
	history, err := c.store.Snapshot(ctx)
	if err != nil {
		return RunResult{}, err
	}
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return RunResult{}, err
	}
	if !c.enabledFor(meta) {
		return RunResult{}, ErrDisabled
	}
	s := c.Settings()
	policy := TriggerPolicy{Settings: s, Eligibility: NewEligibility(s, c.counter, meta)}
	indices := policy.CollectAutoSummarize(history)
	return c.run(ctx, indices, RunOptions{ShowProgress: s.AutoSummarizeProgress, SkipInitialDelay: true})
}

func (c *Conversation) run(ctx context.Context, indices []int, opts RunOptions) (RunResult, error) {
	res, err := c.scheduler.Run(ctx, indices, opts)
	if len(res.Jobs) > 0 {
		c.metrics.observeRun(res)
	}
	return res, err
}

// Stop halts the active run of this conversation.
func (c *Conversation) Stop() { c.scheduler.Stop() }

// Remember sets or toggles the remember flag of indices. A nil value sets
// true unless every message is already remembered.
func (c *Conversation) Remember(ctx context.Context, indices []int, value *bool) error {
	return c.toggle(ctx, indices, value,
		func(r chat.Record) bool { return r.Remember },
		(*chat.Record).SetRemember)
}

// Exclude sets or toggles the exclude flag of indices, like Remember.
func (c *Conversation) Exclude(ctx context.Context, indices []int, value *bool) error {
	return c.toggle(ctx, indices, value,
		func(r chat.Record) bool { return r.Exclude },
		(*chat.Record).SetExclude)
}

func (c *Conversation) toggle(ctx context.Context, indices []int, value *bool, get func(chat.Record) bool, set func(*chat.Record, bool)) error {
	if len(indices) == 0 {
		return nil
	}
	v := true
	if value != nil {
		v = *value
	} else {
		all := true
		for _, i := range indices {
			m, err := c.store.Get(ctx, i)
			if err != nil {
				return err
			}
			if !get(m.Record) {
				all = false
				break
			}
		}
		v = !all
	}
	for _, i := range indices {
		if err := c.store.UpdateRecord(ctx, i, func(r *chat.Record) { set(r, v) }); err != nil {
			return err
		}
	}
	_, err := c.Refresh(ctx)
	return err
}

// EditSummary replaces a summary by hand. Clearing the text also clears the
// remember and exclude flags.
func (c *Conversation) EditSummary(ctx context.Context, index int, text string) error {
	m, err := c.store.Get(ctx, index)
	if err != nil {
		return err
	}
	old := m.Record.Summary
	if old == text {
		return nil
	}
	err = c.store.UpdateRecord(ctx, index, func(r *chat.Record) {
		r.Summary = text
		r.Error = ""
		r.Reasoning = ""
		r.Prefill = ""
		r.Edited = text != ""
		if text == "" || old == "" {
			r.Remember = false
			r.Exclude = false
		}
	})
	if err != nil {
		return err
	}
	_, err = c.Refresh(ctx)
	return err
}

// ClearSummary removes all memory state from a message.
func (c *Conversation) ClearSummary(ctx context.Context, index int) error {
	if err := c.store.UpdateRecord(ctx, index, clearRecord); err != nil {
		return err
	}
	_, err := c.Refresh(ctx)
	return err
}

func clearRecord(r *chat.Record) { *r = chat.Record{} }

// Memory returns the record of one message.
func (c *Conversation) Memory(ctx context.Context, index int) (chat.Record, error) {
	m, err := c.store.Get(ctx, index)
	if err != nil {
		return chat.Record{}, err
	}
	return m.Record, nil
}

// Memories joins the displayed summaries of messages start..end inclusive.
// Negative bounds count from the end of the history.
func (c *Conversation) Memories(ctx context.Context, start, end int, sep string) (string, error) {
	history, err := c.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	n := len(history)
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	start, end = max(start, 0), min(end, n-1)
	s := c.Settings()
	var parts []string
	for i := start; i <= end; i++ {
		if text := displaySummary(s, history[i].Record); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, sep), nil
}

// ContextFilter returns the indices to keep as raw messages in the prompt.
func (c *Conversation) ContextFilter(ctx context.Context, continuing bool) ([]int, error) {
	cls, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := c.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		n, err := c.store.Len(ctx)
		if err != nil {
			return nil, err
		}
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	return ContextFilter(cls, c.Settings(), continuing), nil
}

// AppendMessage stores msg and returns the event announcing it.
func (c *Conversation) AppendMessage(ctx context.Context, msg chat.Message) (bus.ChatEvent, error) {
	index, err := c.store.Append(ctx, msg)
	if err != nil {
		return bus.ChatEvent{}, err
	}
	kind := bus.EventNew
	if msg.IsUser() {
		kind = bus.EventUserMessage
	}
	return bus.ChatEvent{ConversationID: c.id, Kind: kind, Index: index}, nil
}

// EditMessage replaces message text and returns the edit event.
func (c *Conversation) EditMessage(ctx context.Context, index int, text string) (bus.ChatEvent, error) {
	if err := c.store.Edit(ctx, index, text); err != nil {
		return bus.ChatEvent{}, err
	}
	return bus.ChatEvent{ConversationID: c.id, Kind: bus.EventEdit, Index: index}, nil
}

// ContinueMessage appends more text to a message and returns the continue event.
func (c *Conversation) ContinueMessage(ctx context.Context, index int, more string) (bus.ChatEvent, error) {
	m, err := c.store.Get(ctx, index)
	if err != nil {
		return bus.ChatEvent{}, err
	}
	if err := c.store.Edit(ctx, index, m.Text+more); err != nil {
		return bus.ChatEvent{}, err
	}
	return bus.ChatEvent{ConversationID: c.id, Kind: bus.EventContinue, Index: index}, nil
}

// DeleteMessage removes a message and returns the delete event.
func (c *Conversation) DeleteMessage(ctx context.Context, index int) (bus.ChatEvent, error) {
	if err := c.store.Delete(ctx, index); err != nil {
		return bus.ChatEvent{}, err
	}
	return bus.ChatEvent{ConversationID: c.id, Kind: bus.EventDelete, Index: index}, nil
}

// AddSwipe stores a generated alternative and returns the swipe event.
func (c *Conversation) AddSwipe(ctx context.Context, index int, text string) (bus.ChatEvent, error) {
	id, err := c.store.AddSwipe(ctx, index, text)
	if err != nil {
		return bus.ChatEvent{}, err
	}
	return bus.ChatEvent{
		ConversationID: c.id,
		Kind:           bus.EventSwipe,
		Index:          index,
		SwipeID:        id,
		SwipeCount:     id + 1,
		Generated:      true,
	}, nil
}

// SelectSwipe switches to an existing alternative and returns the swipe event.
func (c *Conversation) SelectSwipe(ctx context.Context, index, swipeID int) (bus.ChatEvent, error) {
	if err := c.store.SelectSwipe(ctx, index, swipeID); err != nil {
		return bus.ChatEvent{}, err
	}
	m, err := c.store.Get(ctx, index)
	if err != nil {
		return bus.ChatEvent{}, err
	}
	return bus.ChatEvent{
		ConversationID: c.id,
		Kind:           bus.EventSwipe,
		Index:          index,
		SwipeID:        swipeID,
		SwipeCount:     m.SwipeCount(),
	}, nil
}

func (c *Conversation) vars(meta chat.Metadata) map[string]string {
	return map[string]string{
		"user": meta.UserName,
		"char": meta.CharacterName,
	}
}

// wrapFormat is the instruct format for injected text, nil for chat backends.
func (c *Conversation) wrapFormat() *prompt.InstructFormat {
	if c.backend == nil || c.backend.ChatStyle() {
		return nil
	}
	f := c.instructFormat()
	return &f
}

func (c *Conversation) instructFormat() prompt.InstructFormat {
	if c.instruct != nil {
		return *c.instruct
	}
	f, _ := prompt.LookupInstruct("chatml")
	return f
}

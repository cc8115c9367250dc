package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
)

var errNoBackend = errors.New("no generation backend configured")

// summarizeJob summarizes the message at index. The result is committed to
// the message by ID, so a message deleted meanwhile drops the result.
func (c *Conversation) summarizeJob(ctx context.Context, index int, force bool) (bool, error) {
	msg, err := c.store.Get(ctx, index)
	if err != nil {
		return false, err
	}
	s := c.Settings()
	hash := chat.Fingerprint(msg.Text)
	if !force && msg.Record.HasSummary() && msg.Record.ContentHash == hash {
		logger.DebugCF("memory", "Summary up to date, skipping", map[string]interface{}{
			"conversation": c.id,
			"index":        index,
		})
		c.metrics.observeJob("skipped", 0)
		return true, nil
	}
	if c.backend == nil {
		return false, &GenerationError{Index: index, Err: errNoBackend}
	}

	if err := c.updateByID(ctx, msg.ID, func(r *chat.Record) { r.Reasoning = "" }); err != nil {
		return false, err
	}

	p, err := c.composePrompt(ctx, s, index)
	if err != nil {
		return false, err
	}

	start := time.Now()
	text, genErr := c.generate(ctx, s, p)
	took := time.Since(start)
	if genErr != nil && ctx.Err() != nil {
		genErr = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}

	if genErr == nil && s.DiscardLateResults && c.scheduler.Stopping() {
		logger.InfoCF("memory", "Discarding summary that finished after stop", map[string]interface{}{
			"conversation": c.id,
			"index":        index,
		})
		c.metrics.observeJob("discarded", took)
		return false, ErrAborted
	}

	if genErr != nil {
		logger.WarnCF("memory", "Failed to summarize message", map[string]interface{}{
			"conversation": c.id,
			"index":        index,
			"error":        genErr.Error(),
		})
		reason := failureReason(genErr)
		if err := c.updateByID(context.WithoutCancel(ctx), msg.ID, func(r *chat.Record) {
			r.Error = reason
			r.Summary = ""
			r.FailedHash = hash
			r.Edited = false
			r.Prefill = ""
			r.Reasoning = ""
		}); err != nil {
			return false, err
		}
		if errors.Is(genErr, ErrAborted) {
			c.metrics.observeJob("aborted", took)
			return false, ErrAborted
		}
		c.metrics.observeJob("failed", took)
		return false, &GenerationError{Index: index, Err: genErr}
	}

	summary, prefill := text, s.Prefill
	reasoning, content, ok := ParseReasoning(s.Prefill+text, s.ReasoningPrefix, s.ReasoningSuffix)
	if ok {
		summary, prefill = content, ""
	}
	err = c.updateByID(ctx, msg.ID, func(r *chat.Record) {
		r.Summary = summary
		r.ContentHash = hash
		r.Error = ""
		r.FailedHash = ""
		r.Edited = false
		r.Prefill = prefill
		r.Reasoning = reasoning
	})
	if err != nil {
		return false, err
	}
	logger.InfoCF("memory", "Message summarized", map[string]interface{}{
		"conversation": c.id,
		"index":        index,
		"took_ms":      took.Milliseconds(),
		"reasoning":    ok,
	})
	c.metrics.observeJob("done", took)
	return false, nil
}

func (c *Conversation) composePrompt(ctx context.Context, s Settings, index int) (prompt.Prompt, error) {
	history, err := c.store.Snapshot(ctx)
	if err != nil {
		return prompt.Prompt{}, err
	}
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		return prompt.Prompt{}, err
	}
	elig := NewEligibility(s, c.counter, meta)

	vars := make(map[string]string, len(s.Variables)+2)
	for k, v := range s.Variables {
		vars[k] = v
	}
	for k, v := range c.vars(meta) {
		vars[k] = v
	}

	p, err := c.composer.Compose(prompt.Request{
		Index:       index,
		History:     history,
		Template:    s.Prompt,
		Macros:      s.Macros,
		Variables:   vars,
		DefaultRole: s.PromptRole,
		Eligible:    elig.Eligible,
		Summary:     elig.DisplaySummary,
	})
	if err != nil {
		return prompt.Prompt{}, err
	}
	for _, w := range p.Warnings {
		var se *prompt.ScriptError
		if errors.As(w, &se) {
			logger.WarnCF("memory", "Script transform skipped", map[string]interface{}{
				"script": se.ScriptID,
				"error":  se.Err.Error(),
			})
		}
	}
	return p, nil
}

func (c *Conversation) generate(ctx context.Context, s Settings, p prompt.Prompt) (string, error) {
	req := GenerateRequest{MaxTokens: s.MaxResponseTokens}
	segments := p.Segments
	var size int
	if c.backend.ChatStyle() {
		if s.Prefill != "" {
			segments = append(segments, prompt.Segment{Role: string(chat.RoleAssistant), Content: s.Prefill})
		}
		req.Segments = segments
		for _, seg := range segments {
			size += c.counter.Count(seg.Content)
		}
	} else {
		format := c.instructFormat()
		req.Prompt = format.Render(segments, s.Prefill)
		req.Stop = format.Stop
		size = c.counter.Count(req.Prompt)
	}
	if s.ContextSize > 0 && size > s.ContextSize {
		logger.WarnCF("memory", "Summary prompt exceeds context size", map[string]interface{}{
			"tokens":       size,
			"context_size": s.ContextSize,
		})
	}

	text, err := c.backend.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if s.TrimIncompleteSentences {
		text = TrimToEndSentence(text)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// updateByID resolves id to its current index before writing. A missing
// message is not an error.
func (c *Conversation) updateByID(ctx context.Context, id string, fn func(*chat.Record)) error {
	index, err := c.store.IndexOf(ctx, id)
	if errors.Is(err, chat.ErrNotFound) {
		logger.InfoCF("memory", "Message removed during summarization, result dropped", map[string]interface{}{
			"conversation": c.id,
			"message_id":   id,
		})
		return nil
	}
	if err != nil {
		return err
	}
	return c.store.UpdateRecord(ctx, index, fn)
}

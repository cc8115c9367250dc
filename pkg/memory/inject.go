package memory

import (
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/injection"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
)

// Slot names populated by a conversation.
const (
	SlotLong  = "tiermem_long"
	SlotShort = "tiermem_short"
)

// Injection is the rendered tier text of one classification pass.
type Injection struct {
	Long  injection.Slot
	Short injection.Slot
}

// InjectionOptions controls rendering of tier text.
type InjectionOptions struct {
	// Vars are extra template variables such as user and char.
	Vars map[string]string
	// Instruct, when set, wraps non in-chat slots as a system turn for
	// text-completion backends.
	Instruct *prompt.InstructFormat
	// Disabled yields empty slots.
	Disabled bool
}

// BuildInjection concatenates tier summaries oldest to newest and renders
// them into the tier templates.
func BuildInjection(history []chat.Message, cls Classification, s Settings, opts InjectionOptions) Injection {
	out := Injection{
		Long:  injection.Slot{Name: SlotLong, Placement: s.LongTerm},
		Short: injection.Slot{Name: SlotShort, Placement: s.ShortTerm},
	}
	if opts.Disabled {
		return out
	}
	out.Long.Text = renderTier(history, cls, s, chat.TierLong, s.LongTemplate, s.LongTerm, opts)
	out.Short.Text = renderTier(history, cls, s, chat.TierShort, s.ShortTemplate, s.ShortTerm, opts)
	return out
}

func renderTier(history []chat.Message, cls Classification, s Settings, tier chat.Tier, tpl string, place injection.Placement, opts InjectionOptions) string {
	var b strings.Builder
	for i, a := range cls.Assignments {
		if a.Tier != tier || a.Lagging || i >= len(history) {
			continue
		}
		summary := displaySummary(s, history[i].Record)
		if summary == "" {
			continue
		}
		b.WriteString(s.Separator)
		b.WriteString(summary)
	}
	memories := b.String()
	if memories == "" {
		return ""
	}

	vars := make(map[string]string, len(opts.Vars)+1)
	for k, v := range opts.Vars {
		vars[k] = v
	}
	vars["memories"] = memories
	text := prompt.RenderTemplate(tpl, vars)

	if opts.Instruct != nil && place.Position != injection.PositionInChat {
		text = opts.Instruct.WrapSystem(text)
	}
	return text
}

// ContextFilter returns the indices that stay in the raw prompt context.
// With exclude_messages_after_threshold, only lagging messages are kept; in
// tokens mode messages without an injected summary are kept too. On continue
// the last message is always kept.
func ContextFilter(cls Classification, s Settings, continuing bool) []int {
	n := len(cls.Assignments)
	out := make([]int, 0, n)
	for i, a := range cls.Assignments {
		keep := !s.ExcludeMessagesAfterThreshold || a.Lagging
		if s.Capacity.Mode == CapacityTokens && a.Tier != chat.TierShort && a.Tier != chat.TierLong {
			keep = true
		}
		if continuing && i == n-1 {
			keep = true
		}
		if keep {
			out = append(out, i)
		}
	}
	return out
}

package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history() []chat.Message {
	return []chat.Message{
		{Role: chat.RoleUser, Name: "Ann", Text: "We should go north."},
		{Role: chat.RoleAssistant, Name: "Bob", Text: "Bob agrees and packs.", Record: chat.Record{Summary: "Bob packed."}},
		{Role: chat.RoleSystem, Name: "System", Text: "hidden note"},
		{Role: chat.RoleUser, Name: "Ann", Text: "Let's leave at dawn."},
		{Role: chat.RoleAssistant, Name: "Bob", Text: "They leave at dawn."},
	}
}

func TestUsedMacros(t *testing.T) {
	names := UsedMacros("a {{#if history}}{{history}}{{/if}} {{ message }} {{else}} {{words}}")
	assert.Equal(t, []string{"history", "message", "words"}, names)
}

func TestCompose_DefaultTemplateWithoutHistory(t *testing.T) {
	c := NewComposer(nil)
	p, err := c.Compose(Request{
		Index:     4,
		History:   history(),
		Template:  DefaultTemplate,
		Macros:    DefaultMacros(),
		Variables: map[string]string{"words": "50"},
	})
	require.NoError(t, err)
	require.Empty(t, p.Warnings)
	require.Len(t, p.Segments, 1)

	seg := p.Segments[0]
	assert.Equal(t, "system", seg.Role)
	assert.Contains(t, seg.Content, "no more than 50 words")
	assert.NotContains(t, seg.Content, "history of messages")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(seg.Content), "They leave at dawn."))
}

func TestCompose_HistoryMacroInstructSegments(t *testing.T) {
	macros := DefaultMacros()
	h := macros["history"]
	h.Enabled = true
	h.BotSummaries = true
	macros["history"] = h

	c := NewComposer(nil)
	p, err := c.Compose(Request{
		Index:     4,
		History:   history(),
		Template:  DefaultTemplate,
		Macros:    macros,
		Variables: map[string]string{"words": "30"},
		Eligible:  func(chat.Message) bool { return true },
	})
	require.NoError(t, err)

	roles := make([]string, 0, len(p.Segments))
	for _, s := range p.Segments {
		roles = append(roles, s.Role)
	}
	// intro text, Ann, Bob, Bob's summary, Ann, trailing text with the message
	assert.Equal(t, []string{"system", "user", "assistant", "system", "user", "system"}, roles)
	assert.Contains(t, p.Segments[0].Content, "history of messages")
	assert.Equal(t, "Bob", p.Segments[2].Name)
	assert.Equal(t, "Summary: Bob packed.", p.Segments[3].Content)
	assert.Contains(t, p.Segments[5].Content, "They leave at dawn.")
}

func TestCompose_RangeWithoutInstructJoinsLines(t *testing.T) {
	macros := map[string]Macro{
		"message": DefaultMacros()["message"],
		"recent": {
			Name: "recent", Enabled: true, Type: MacroRange,
			Start: 1, End: 2, BotMessages: true, UserMessages: true,
		},
	}
	c := NewComposer(nil)
	p, err := c.Compose(Request{Index: 4, History: history(), Template: "Context:\n{{recent}}\nNow: {{message}}", Macros: macros})
	require.NoError(t, err)
	require.Len(t, p.Segments, 1)
	// the system message at index 2 is never included
	assert.Equal(t, "Context:\nLet's leave at dawn.\nNow: They leave at dawn.", p.Segments[0].Content)
}

func TestCompose_SummaryRespectsEligibility(t *testing.T) {
	macros := DefaultMacros()
	h := macros["history"]
	h.Enabled = true
	h.BotMessages = false
	h.UserMessages = false
	h.BotSummaries = true
	macros["history"] = h

	c := NewComposer(nil)
	p, err := c.Compose(Request{
		Index: 4, History: history(), Template: "{{#if history}}H{{history}}{{/if}}{{message}}", Macros: macros,
		Eligible: func(chat.Message) bool { return false },
	})
	require.NoError(t, err)
	require.Len(t, p.Segments, 1)
	assert.Equal(t, "They leave at dawn.", p.Segments[0].Content)
}

func TestCompose_UnresolvedMacroIsWarning(t *testing.T) {
	c := NewComposer(nil)
	p, err := c.Compose(Request{Index: 0, History: history(), Template: "Say {{mystery}} then {{message}}", Macros: DefaultMacros()})
	require.NoError(t, err)
	require.Len(t, p.Warnings, 1)
	var unresolved *UnresolvedMacroError
	require.True(t, errors.As(p.Warnings[0], &unresolved))
	assert.Equal(t, "mystery", unresolved.Name)
	require.Len(t, p.Segments, 1)
	assert.Equal(t, "Say  then We should go north.", p.Segments[0].Content)
}

func TestCompose_FailingScriptSkipsOnlyThatTransform(t *testing.T) {
	scripts := NewScriptSet(
		Script{ID: "shout", Find: "/dawn/g", Replace: "DAWN"},
		Script{ID: "broken", Find: "/(unclosed/"},
	)
	macros := DefaultMacros()
	m := macros["message"]
	m.RegexScripts = []string{"broken", "shout", "missing"}
	macros["message"] = m

	c := NewComposer(scripts)
	p, err := c.Compose(Request{Index: 4, History: history(), Template: "{{message}}", Macros: macros})
	require.NoError(t, err)
	require.Len(t, p.Warnings, 2)
	var scriptErr *ScriptError
	require.True(t, errors.As(p.Warnings[0], &scriptErr))
	assert.Equal(t, "broken", scriptErr.ScriptID)
	assert.Equal(t, "They leave at DAWN.", p.Segments[0].Content)
}

func TestCompose_IndexOutOfRange(t *testing.T) {
	_, err := NewComposer(nil).Compose(Request{Index: 9, History: history(), Template: "{{message}}"})
	require.Error(t, err)
}

func TestCompose_CustomRoleMacroIsNotMerged(t *testing.T) {
	macros := DefaultMacros()
	macros["rules"] = Macro{Name: "rules", Enabled: true, Type: MacroCustom, InstructTemplate: true, Text: "Be brief."}
	c := NewComposer(nil)
	p, err := c.Compose(Request{Index: 1, History: history(), Template: "Intro {{rules}} Body {{message}}", Macros: macros, DefaultRole: "user"})
	require.NoError(t, err)
	require.Len(t, p.Segments, 3)
	assert.Equal(t, Segment{Role: "user", Content: "Intro "}, p.Segments[0])
	assert.Equal(t, "Be brief.", p.Segments[1].Content)
	assert.Equal(t, " Body Bob agrees and packs.", p.Segments[2].Content)
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("[recent]:\n{{memories}}\n", map[string]string{"memories": "\n* a & b"})
	assert.Equal(t, "[recent]:\n\n* a & b\n", out)

	// unbalanced block falls back to literal replacement
	out = RenderTemplate("{{#if x}}{{memories}}", map[string]string{"memories": "m"})
	assert.Equal(t, "{{#if x}}m", out)
}

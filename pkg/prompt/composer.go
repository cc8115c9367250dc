// Package prompt builds summarization prompts from templates and history.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/logger"
)

// Segment is one role-tagged message sent to a generation backend.
// An empty Role marks content that merges with its neighbours.
type Segment struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Transformer rewrites text with a named script.
type Transformer interface {
	Apply(scriptID, text string) (string, error)
}

// Request describes one summarization prompt.
type Request struct {
	Index       int
	History     []chat.Message
	Template    string
	Macros      map[string]Macro
	Variables   map[string]string
	DefaultRole string

	// Eligible decides whether a message's summary may appear in history macros.
	Eligible func(chat.Message) bool
	// Summary returns the displayed summary of a message; defaults to Record.Summary.
	Summary func(chat.Message) string
}

// Prompt is the composed result. Warnings are non-fatal problems such as
// unresolved macros and failed script transforms.
type Prompt struct {
	Segments []Segment
	Warnings []error
}

// UnresolvedMacroError reports a placeholder with no macro or variable behind it.
type UnresolvedMacroError struct {
	Name string
}

func (e *UnresolvedMacroError) Error() string {
	return fmt.Sprintf("undefined macro in summary prompt: %q", e.Name)
}

// Composer turns a Request into role-tagged segments.
type Composer struct {
	scripts Transformer
}

func NewComposer(scripts Transformer) *Composer {
	return &Composer{scripts: scripts}
}

var (
	usedMacroRe = regexp.MustCompile(`(?s)\{\{#if\s+(.*?)\}\}|\{\{([^#/].*?)\}\}`)
	splitRe     = regexp.MustCompile(`(?s)\{\{.*?\}\}`)
)

// handlebars keywords that never name a macro
var reservedNames = map[string]bool{"else": true, "this": true}

func (c *Composer) Compose(req Request) (Prompt, error) {
	if req.Index < 0 || req.Index >= len(req.History) {
		return Prompt{}, fmt.Errorf("compose prompt: index %d out of range (history %d)", req.Index, len(req.History))
	}
	if req.DefaultRole == "" {
		req.DefaultRole = string(chat.RoleSystem)
	}

	var out Prompt
	values := c.computeUsedMacros(req, &out.Warnings)
	text := compileBlocks(req.Template, values, req.Variables, req.History[req.Index])
	out.Segments = evaluate(text, values, req.DefaultRole)
	return out, nil
}

// UsedMacros lists the distinct macro names referenced by template, in order.
func UsedMacros(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range usedMacroRe.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" {
			name = strings.TrimSpace(m[2])
		}
		if name == "" || reservedNames[name] || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func (c *Composer) computeUsedMacros(req Request, warnings *[]error) map[string][]Segment {
	values := make(map[string][]Segment)
	for _, name := range UsedMacros(req.Template) {
		macro, ok := req.Macros[name]
		if !ok {
			if _, isVar := req.Variables[name]; !isVar {
				err := &UnresolvedMacroError{Name: name}
				*warnings = append(*warnings, err)
				logger.WarnCF("prompt", "Undefined macro in summary prompt", map[string]interface{}{"macro": name})
			}
			continue
		}
		if !macro.Enabled {
			continue
		}
		segs := c.computeMacro(req, macro, warnings)
		if len(segs) == 0 {
			continue
		}
		values[name] = segs
	}
	return values
}

func (c *Composer) computeMacro(req Request, macro Macro, warnings *[]error) []Segment {
	if macro.Name == "message" || macro.Type == MacroSpecial {
		msg := req.History[req.Index]
		text := c.runScripts(macro, msg.Text, warnings)
		if macro.InstructTemplate {
			return []Segment{{Role: segmentRole(msg), Name: msg.Name, Content: text}}
		}
		return []Segment{{Content: text}}
	}

	switch macro.Type {
	case MacroRange:
		return c.computeRange(req, macro, warnings)
	case MacroCustom:
		text := c.runScripts(macro, macro.Text, warnings)
		if text == "" {
			return nil
		}
		if macro.InstructTemplate {
			return []Segment{{Role: req.DefaultRole, Content: text}}
		}
		return []Segment{{Content: text}}
	default:
		logger.ErrorCF("prompt", "Unknown summary prompt macro type", map[string]interface{}{
			"macro": macro.Name,
			"type":  string(macro.Type),
		})
		return nil
	}
}

func (c *Composer) computeRange(req Request, macro Macro, warnings *[]error) []Segment {
	start := max(req.Index-macro.End, 0)
	end := max(req.Index-macro.Start, 0)

	var segs []Segment
	var lines []string
	for i := start; i <= end && i < len(req.History); i++ {
		m := req.History[i]
		var includeMessage, includeSummary bool
		switch {
		case m.IsUser():
			includeMessage, includeSummary = macro.UserMessages, macro.UserSummaries
		case m.IsSystem() || m.Kind == chat.KindThought:
		default:
			includeMessage, includeSummary = macro.BotMessages, macro.BotSummaries
		}

		if includeMessage {
			text := c.runScripts(macro, m.Text, warnings)
			if macro.InstructTemplate {
				segs = append(segs, Segment{Role: segmentRole(m), Name: m.Name, Content: text})
			} else {
				lines = append(lines, text)
			}
		}

		if includeSummary && (req.Eligible == nil || req.Eligible(m)) {
			summary := m.Record.Summary
			if req.Summary != nil {
				summary = req.Summary(m)
			}
			if summary != "" {
				summary = "Summary: " + summary
				if macro.InstructTemplate {
					segs = append(segs, Segment{Role: string(chat.RoleSystem), Content: summary})
				} else {
					lines = append(lines, summary)
				}
			}
		}
	}

	if macro.InstructTemplate {
		return segs
	}
	if len(lines) == 0 {
		return nil
	}
	return []Segment{{Content: strings.Join(lines, "\n")}}
}

// runScripts applies the macro's scripts in order. A failing script is
// skipped and recorded; the remaining scripts still run.
func (c *Composer) runScripts(macro Macro, text string, warnings *[]error) string {
	if c.scripts == nil {
		return text
	}
	for _, id := range macro.RegexScripts {
		next, err := c.scripts.Apply(id, text)
		if err != nil {
			*warnings = append(*warnings, err)
			logger.WarnCF("prompt", "Script transform failed", map[string]interface{}{
				"macro":  macro.Name,
				"script": id,
				"error":  err.Error(),
			})
			continue
		}
		text = next
	}
	return text
}

// compileBlocks resolves {{#if}} blocks and plain variables. Computed macros
// render as themselves so evaluate can split on them afterwards.
func compileBlocks(text string, values map[string][]Segment, vars map[string]string, target chat.Message) string {
	data := make(map[string]interface{}, len(vars)+len(values)+1)
	for k, v := range vars {
		data[k] = raymond.SafeString(v)
	}
	if _, ok := data["char"]; !ok && target.Name != "" && !target.IsUser() {
		data["char"] = raymond.SafeString(target.Name)
	}
	for name := range values {
		data[name] = raymond.SafeString("{{" + name + "}}")
	}

	out, err := raymond.Render(text, data)
	if err != nil {
		logger.ErrorCF("prompt", "Failed to compile prompt template", map[string]interface{}{"error": err.Error()})
		return text
	}
	return out
}

// evaluate splits text on {{...}} and merges role-less content into the
// preceding role-less segment.
func evaluate(text string, values map[string][]Segment, defaultRole string) []Segment {
	var out []Segment
	mergeNext := false
	add := func(items []Segment) {
		for _, item := range items {
			if item.Role != "" {
				out = append(out, item)
				mergeNext = false
				continue
			}
			if mergeNext && len(out) > 0 {
				out[len(out)-1].Content += item.Content
			} else {
				out = append(out, Segment{Role: defaultRole, Content: item.Content})
			}
			mergeNext = true
		}
	}

	for _, part := range splitKeep(text) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
			name := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			v, ok := values[name]
			if !ok {
				logger.DebugCF("prompt", "Undefined macro in summary prompt", map[string]interface{}{"macro": name})
			}
			add(v)
			continue
		}
		add([]Segment{{Content: part}})
	}
	return out
}

func splitKeep(text string) []string {
	var parts []string
	last := 0
	for _, loc := range splitRe.FindAllStringIndex(text, -1) {
		parts = append(parts, text[last:loc[0]], text[loc[0]:loc[1]])
		last = loc[1]
	}
	return append(parts, text[last:])
}

func segmentRole(m chat.Message) string {
	switch {
	case m.IsUser():
		return string(chat.RoleUser)
	case m.IsSystem():
		return string(chat.RoleSystem)
	default:
		return string(chat.RoleAssistant)
	}
}

// MacroNames returns the configured macro names in sorted order.
func MacroNames(macros map[string]Macro) []string {
	names := make([]string, 0, len(macros))
	for n := range macros {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

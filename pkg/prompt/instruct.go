package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// InstructFormat renders role-tagged segments into a single text-completion
// prompt.
type InstructFormat struct {
	Name            string   `json:"name"`
	SystemPrefix    string   `json:"system_prefix"`
	SystemSuffix    string   `json:"system_suffix"`
	UserPrefix      string   `json:"user_prefix"`
	UserSuffix      string   `json:"user_suffix"`
	AssistantPrefix string   `json:"assistant_prefix"`
	AssistantSuffix string   `json:"assistant_suffix"`
	Stop            []string `json:"stop,omitempty"`
	NamesInContent  bool     `json:"names_in_content,omitempty"`
}

var instructPresets = map[string]InstructFormat{
	"chatml": {
		Name:            "chatml",
		SystemPrefix:    "<|im_start|>system\n",
		SystemSuffix:    "<|im_end|>\n",
		UserPrefix:      "<|im_start|>user\n",
		UserSuffix:      "<|im_end|>\n",
		AssistantPrefix: "<|im_start|>assistant\n",
		AssistantSuffix: "<|im_end|>\n",
		Stop:            []string{"<|im_end|>"},
		NamesInContent:  true,
	},
	"alpaca": {
		Name:            "alpaca",
		SystemPrefix:    "",
		SystemSuffix:    "\n\n",
		UserPrefix:      "### Instruction:\n",
		UserSuffix:      "\n\n",
		AssistantPrefix: "### Response:\n",
		AssistantSuffix: "\n\n",
		Stop:            []string{"### Instruction:"},
		NamesInContent:  true,
	},
	"llama3": {
		Name:            "llama3",
		SystemPrefix:    "<|start_header_id|>system<|end_header_id|>\n\n",
		SystemSuffix:    "<|eot_id|>",
		UserPrefix:      "<|start_header_id|>user<|end_header_id|>\n\n",
		UserSuffix:      "<|eot_id|>",
		AssistantPrefix: "<|start_header_id|>assistant<|end_header_id|>\n\n",
		AssistantSuffix: "<|eot_id|>",
		Stop:            []string{"<|eot_id|>"},
		NamesInContent:  true,
	},
	"mistral": {
		Name:            "mistral",
		SystemPrefix:    "[INST] ",
		SystemSuffix:    " [/INST]\n",
		UserPrefix:      "[INST] ",
		UserSuffix:      " [/INST]\n",
		AssistantPrefix: "",
		AssistantSuffix: "</s>\n",
		Stop:            []string{"</s>"},
	},
}

// InstructPresets lists the names of the built-in presets.
func InstructPresets() []string {
	names := make([]string, 0, len(instructPresets))
	for name := range instructPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupInstruct returns a named preset.
func LookupInstruct(name string) (InstructFormat, error) {
	f, ok := instructPresets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return InstructFormat{}, fmt.Errorf("unknown instruct preset %q", name)
	}
	return f, nil
}

func (f InstructFormat) wrap(role, name, content string) string {
	if f.NamesInContent && name != "" && role != "system" {
		content = name + ": " + content
	}
	switch role {
	case "user":
		return f.UserPrefix + content + f.UserSuffix
	case "assistant":
		return f.AssistantPrefix + content + f.AssistantSuffix
	default:
		return f.SystemPrefix + content + f.SystemSuffix
	}
}

// Render formats segments and opens an assistant turn ending in prefill.
func (f InstructFormat) Render(segments []Segment, prefill string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(f.wrap(s.Role, s.Name, s.Content))
	}
	b.WriteString(f.AssistantPrefix)
	b.WriteString(prefill)
	return b.String()
}

// WrapSystem formats text as one synthetic system turn.
func (f InstructFormat) WrapSystem(text string) string {
	if text == "" {
		return ""
	}
	return f.SystemPrefix + text + f.SystemSuffix
}

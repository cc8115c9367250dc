package memory

import (
	"strings"
	"unicode"
)

// ParseReasoning splits a leading prefix...suffix block off text. ok is false
// when text does not open with prefix or the block is never closed.
func ParseReasoning(text, prefix, suffix string) (reasoning, content string, ok bool) {
	if prefix == "" || suffix == "" {
		return "", text, false
	}
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, prefix) {
		return "", text, false
	}
	rest := trimmed[len(prefix):]
	end := strings.Index(rest, suffix)
	if end < 0 {
		return "", text, false
	}
	reasoning = strings.TrimSpace(rest[:end])
	if reasoning == "" {
		return "", text, false
	}
	content = strings.TrimLeftFunc(rest[end+len(suffix):], unicode.IsSpace)
	return reasoning, content, true
}

const sentenceEnders = ".!?…\"'*)]}`»”’"

// TrimToEndSentence drops a trailing unfinished sentence. Text without any
// sentence ending is returned unchanged.
func TrimToEndSentence(text string) string {
	runes := []rune(strings.TrimRightFunc(text, unicode.IsSpace))
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune(sentenceEnders, runes[i]) {
			return string(runes[:i+1])
		}
	}
	return text
}

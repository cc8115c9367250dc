// Package tokens counts tokens for length thresholds and tier budgets.
package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the token length of text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// HeuristicCounter estimates tokens as 2/5 of the rune count.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes*2 + 4) / 5
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter resolves the encoding for model, falling back to cl100k_base.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// New builds the counter named by kind ("tiktoken" or "heuristic").
// A tiktoken counter that cannot load its encoding falls back to the heuristic.
func New(kind, model string) (Counter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "tiktoken":
		c, err := NewTiktokenCounter(model)
		if err != nil {
			return HeuristicCounter{}, err
		}
		return c, nil
	case "heuristic":
		return HeuristicCounter{}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
}

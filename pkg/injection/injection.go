// Package injection delivers tier text to the downstream prompt builder.
package injection

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Position is where a slot is placed in the assembled prompt.
type Position string

const (
	PositionNone         Position = "none"
	PositionInPrompt     Position = "in_prompt"
	PositionInChat       Position = "in_chat"
	PositionBeforePrompt Position = "before_prompt"
)

// ParsePosition validates a configured position.
func ParsePosition(s string) (Position, error) {
	switch p := Position(strings.ToLower(strings.TrimSpace(s))); p {
	case PositionNone, PositionInPrompt, PositionInChat, PositionBeforePrompt:
		return p, nil
	case "":
		return PositionInPrompt, nil
	default:
		return "", fmt.Errorf("unknown injection position %q", s)
	}
}

// Placement is the static placement metadata of a slot.
type Placement struct {
	Position Position `json:"position" yaml:"position"`
	Depth    int      `json:"depth" yaml:"depth"`
	Role     string   `json:"role" yaml:"role"`
	Scan     bool     `json:"scan" yaml:"scan"`
}

// Slot is a named block of injected text.
type Slot struct {
	Name string `json:"name"`
	Text string `json:"text"`
	Placement
}

// Sink receives slot updates. Setting empty text clears the slot.
type Sink interface {
	SetSlot(ctx context.Context, slot Slot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, slot Slot) error

func (f SinkFunc) SetSlot(ctx context.Context, slot Slot) error { return f(ctx, slot) }

// Tee fans one update out to several sinks, joining their errors.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, slot Slot) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.SetSlot(ctx, slot); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

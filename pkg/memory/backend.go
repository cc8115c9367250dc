package memory

import (
	"context"

	"github.com/dotsetgreg/tiermem/pkg/prompt"
)

// GenerateRequest is one summarization call. Chat backends read Segments;
// text backends read Prompt, already rendered with the instruct format.
type GenerateRequest struct {
	Segments  []prompt.Segment
	Prompt    string
	MaxTokens int
	Stop      []string
}

// Backend generates summary text.
type Backend interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// ChatStyle reports whether the backend takes role-tagged messages.
	ChatStyle() bool
}

package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted marks jobs that were not run because a stop was requested.
	// It is a normal termination, not a failure.
	ErrAborted = errors.New("summarization aborted")

	// ErrMessageRemoved marks a job whose message was deleted before it ran.
	ErrMessageRemoved = fmt.Errorf("%w: message deleted", ErrAborted)

	// ErrEmptyResponse is recorded when the backend returns no text.
	ErrEmptyResponse = errors.New("empty response")

	// ErrDisabled is returned for operations on a conversation with memory disabled.
	ErrDisabled = errors.New("memory disabled for conversation")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("memory manager closed")
)

// GenerationError is a per-message summarization failure.
type GenerationError struct {
	Index int
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("summarize message %d: %v", e.Index, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// failureReason is the text stored in a record's error field.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyResponse):
		return "Empty Response"
	case errors.Is(err, ErrAborted):
		return "Summarization aborted"
	default:
		if msg := err.Error(); msg != "" {
			return msg
		}
		return "Summarization failed"
	}
}

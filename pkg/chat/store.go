// Package chat holds the conversation data model and its stores.
package chat

import (
	"context"
	"errors"
)

// ErrNotFound is returned for missing conversations or messages.
var ErrNotFound = errors.New("chat: not found")

// Store is an ordered, mutable message history of one conversation.
type Store interface {
	// Len returns the number of messages.
	Len(ctx context.Context) (int, error)
	// Get returns the message at index.
	Get(ctx context.Context, index int) (Message, error)
	// Snapshot returns a copy of the whole history.
	Snapshot(ctx context.Context) ([]Message, error)
	// Append adds a message at the end and returns its index.
	Append(ctx context.Context, msg Message) (int, error)
	// Edit replaces the text of the selected alternative.
	Edit(ctx context.Context, index int, text string) error
	// Delete removes a message; later indices shift down by one.
	Delete(ctx context.Context, index int) error
	// IndexOf resolves a message ID to its current index.
	IndexOf(ctx context.Context, id string) (int, error)
	// UpdateRecord mutates the record of the selected alternative.
	UpdateRecord(ctx context.Context, index int, fn func(*Record)) error
	// AddSwipe appends an alternative body and selects it.
	AddSwipe(ctx context.Context, index int, text string) (int, error)
	// SelectSwipe switches to an existing alternative, restoring its record.
	SelectSwipe(ctx context.Context, index, swipeID int) error
	// Metadata returns conversation level state.
	Metadata(ctx context.Context) (Metadata, error)
	// SaveMetadata persists conversation level state.
	SaveMetadata(ctx context.Context, meta Metadata) error
}

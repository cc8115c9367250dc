package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for one conversation.
type MemoryStore struct {
	mu       sync.RWMutex
	meta     Metadata
	messages []Message
}

// NewMemoryStore creates an empty conversation with the given ID.
func NewMemoryStore(id string) *MemoryStore {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &MemoryStore{meta: Metadata{ID: id, CreatedAt: now, UpdatedAt: now}}
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages), nil
}

func (s *MemoryStore) Get(_ context.Context, index int) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.messages) {
		return Message{}, fmt.Errorf("message %d: %w", index, ErrNotFound)
	}
	return cloneMessage(s.messages[index]), nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, msg Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareMessage(&msg)
	s.messages = append(s.messages, cloneMessage(msg))
	s.meta.UpdatedAt = time.Now()
	return len(s.messages) - 1, nil
}

func (s *MemoryStore) Edit(_ context.Context, index int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.at(index)
	if err != nil {
		return err
	}
	m.Text = text
	m.Swipes[m.SwipeID].Text = text
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.at(index); err != nil {
		return err
	}
	s.messages = append(s.messages[:index], s.messages[index+1:]...)
	return nil
}

func (s *MemoryStore) IndexOf(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("message id %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) UpdateRecord(_ context.Context, index int, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.at(index)
	if err != nil {
		return err
	}
	fn(&m.Record)
	m.Swipes[m.SwipeID].Record = m.Record
	return nil
}

func (s *MemoryStore) AddSwipe(_ context.Context, index int, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.at(index)
	if err != nil {
		return 0, err
	}
	addSwipe(m, text)
	return m.SwipeID, nil
}

func (s *MemoryStore) SelectSwipe(_ context.Context, index, swipeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.at(index)
	if err != nil {
		return err
	}
	return selectSwipe(m, swipeID)
}

func (s *MemoryStore) Metadata(_ context.Context) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMetadata(s.meta), nil
}

func (s *MemoryStore) SaveMetadata(_ context.Context, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.ID = s.meta.ID
	meta.CreatedAt = s.meta.CreatedAt
	meta.UpdatedAt = time.Now()
	s.meta = cloneMetadata(meta)
	return nil
}

func (s *MemoryStore) at(index int) (*Message, error) {
	if index < 0 || index >= len(s.messages) {
		return nil, fmt.Errorf("message %d: %w", index, ErrNotFound)
	}
	return &s.messages[index], nil
}

// prepareMessage fills IDs and normalizes the swipe list so that
// Swipes[SwipeID] always mirrors Text and Record.
func prepareMessage(m *Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if len(m.Swipes) == 0 {
		m.Swipes = []Swipe{{Text: m.Text, Record: m.Record}}
		m.SwipeID = 0
		return
	}
	if m.SwipeID < 0 || m.SwipeID >= len(m.Swipes) {
		m.SwipeID = len(m.Swipes) - 1
	}
	m.Text = m.Swipes[m.SwipeID].Text
	m.Record = m.Swipes[m.SwipeID].Record
}

func addSwipe(m *Message, text string) {
	m.Swipes[m.SwipeID].Record = m.Record
	m.Swipes = append(m.Swipes, Swipe{Text: text, Record: m.Record})
	m.SwipeID = len(m.Swipes) - 1
	m.Text = text
}

func selectSwipe(m *Message, swipeID int) error {
	if swipeID < 0 || swipeID >= len(m.Swipes) {
		return fmt.Errorf("swipe %d of message %s: %w", swipeID, m.ID, ErrNotFound)
	}
	m.Swipes[m.SwipeID].Record = m.Record
	m.SwipeID = swipeID
	m.Text = m.Swipes[swipeID].Text
	m.Record = m.Swipes[swipeID].Record
	return nil
}

func cloneMessage(m Message) Message {
	m.Swipes = append([]Swipe(nil), m.Swipes...)
	return m
}

func cloneMetadata(m Metadata) Metadata {
	m.DisabledCharacters = append([]string(nil), m.DisabledCharacters...)
	if m.Enabled != nil {
		v := *m.Enabled
		m.Enabled = &v
	}
	return m
}

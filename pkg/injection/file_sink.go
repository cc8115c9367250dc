package injection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink mirrors the slots of one conversation into a JSON file that an
// external prompt builder can read.
type FileSink struct {
	mu    sync.Mutex
	path  string
	slots map[string]Slot
}

// NewFileSink writes to dir/<conversationID>.json.
func NewFileSink(dir, conversationID string) *FileSink {
	return &FileSink{
		path:  filepath.Join(dir, conversationID+".json"),
		slots: make(map[string]Slot),
	}
}

func (f *FileSink) Path() string { return f.path }

func (f *FileSink) SetSlot(_ context.Context, slot Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot.Text == "" {
		delete(f.slots, slot.Name)
	} else {
		f.slots[slot.Name] = slot
	}

	data, err := json.MarshalIndent(struct {
		Slots map[string]Slot `json:"slots"`
	}{Slots: f.slots}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create slot dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write slots: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace slots file: %w", err)
	}
	return nil
}

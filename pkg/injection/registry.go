package injection

import (
	"context"
	"sort"
	"sync"
)

// Registry keeps the latest slots in memory.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]Slot
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]Slot)}
}

func (r *Registry) SetSlot(_ context.Context, slot Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot.Text == "" {
		delete(r.slots, slot.Name)
		return nil
	}
	r.slots[slot.Name] = slot
	return nil
}

// Slot returns the named slot if it is set.
func (r *Registry) Slot(name string) (Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[name]
	return s, ok
}

// Slots returns all set slots ordered by name.
func (r *Registry) Slots() []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

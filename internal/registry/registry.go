// Package registry tracks which conversations currently have a generation in flight.
package registry

import (
	"errors"
	"sync"
)

// ErrGenerationAlreadyActive is returned by Begin when the conversation already has an entry.
var ErrGenerationAlreadyActive = errors.New("generation already active for conversation")

// Entry is the registration of one running generation.
type Entry struct {
	done   chan struct{}
	active bool
}

// Done is closed once the generation has been cancelled.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Registry maps conversation ids to their active generation. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[int64]*Entry)}
}

// Begin claims the conversation for a new generation.
func (r *Registry) Begin(conversationID int64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[conversationID]; ok {
		return nil, ErrGenerationAlreadyActive
	}
	e := &Entry{done: make(chan struct{}), active: true}
	r.entries[conversationID] = e
	return e, nil
}

// Cancel flips the conversation's flag to false. No-op without an entry.
func (r *Registry) Cancel(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	if !ok || !e.active {
		return
	}
	e.active = false
	close(e.done)
}

// IsActive reports whether the conversation's generation is still wanted.
func (r *Registry) IsActive(conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	return ok && e.active
}

// End removes the entry unconditionally.
func (r *Registry) End(conversationID int64) {
	r.mu.Lock()
	delete(r.entries, conversationID)
	r.mu.Unlock()
}

// Len returns the number of registered generations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

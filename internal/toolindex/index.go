// Package toolindex maps tool-use identifiers to their name and input so
// that later result messages can be resolved.
package toolindex

import (
	"encoding/json"
	"sync"
)

// Entry is the recorded name and input for one tool invocation.
type Entry struct {
	Name  string
	Input json.RawMessage
}

// Index is an append-only, order-independent map from toolUseID to entry.
// There is no removal: entries outlive a single turn's events so late
// results can still be resolved.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Register records a tool invocation. Registering the same id twice keeps
// the first non-empty name and input; an empty earlier input is upgraded by
// a later non-empty one.
func (ix *Index) Register(id, name string, input json.RawMessage) {
	if id == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok {
		ix.entries[id] = Entry{Name: name, Input: input}
		return
	}
	if e.Name == "" {
		e.Name = name
	}
	if len(e.Input) == 0 {
		e.Input = input
	}
	ix.entries[id] = e
}

// Name returns the registered tool name, or "" when the id is unknown.
func (ix *Index) Name(id string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entries[id].Name
}

// Input returns the registered input, or nil when the id is unknown.
func (ix *Index) Input(id string) json.RawMessage {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entries[id].Input
}

// Entry returns the full entry and whether the id is known.
func (ix *Index) Entry(id string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

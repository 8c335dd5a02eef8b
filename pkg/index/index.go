// Package index records which calendar event mirrors which todo and what
// that event looked like when it was last written.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/harrisonrobin/todo/pkg/model"
)

// File is the index file name inside the config directory.
const File = "events.json"

// Version is the file format written by Save.
const Version = 2

// Entry is the calendar state of one todo.
type Entry struct {
	EventID string `json:"event_id"`
	// Fingerprint identifies the event content last written for the todo.
	Fingerprint string    `json:"fingerprint,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}

type document struct {
	Version int                 `json:"version"`
	Entries map[model.ID]Entry `json:"entries"`
}

// Index is safe for concurrent use. Changes stay in memory until Save.
type Index struct {
	path string
	// Now stamps recorded entries.
	Now func() time.Time

	mu      sync.RWMutex
	entries map[model.ID]Entry
	dirty   bool
}

// Open loads the index at path. A missing file gives an empty index.
func Open(path string) (*Index, error) {
	x := &Index{path: path, Now: time.Now, entries: map[model.ID]Entry{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return x, nil
	}
	if err != nil {
		return nil, err
	}
	if x.entries, err = decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode event index %s: %w", path, err)
	}
	return x, nil
}

// decode reads the current format and the version 1 format, which was a
// bare todo id to event id object.
func decode(data []byte) (map[model.ID]Entry, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	switch doc.Version {
	case Version:
		if doc.Entries == nil {
			doc.Entries = map[model.ID]Entry{}
		}
		return doc.Entries, nil
	case 0:
		var legacy map[model.ID]string
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, err
		}
		entries := make(map[model.ID]Entry, len(legacy))
		for id, eventID := range legacy {
			entries[id] = Entry{EventID: eventID}
		}
		return entries, nil
	}
	return nil, fmt.Errorf("unsupported version %d", doc.Version)
}

// Path is where the index is saved.
func (x *Index) Path() string {
	return x.path
}

// Len is the number of indexed todos.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Lookup returns the entry of a todo.
func (x *Index) Lookup(id model.ID) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok
}

// EventID returns the event mirroring a todo, or "".
func (x *Index) EventID(id model.ID) string {
	e, _ := x.Lookup(id)
	return e.EventID
}

// Record stores the event written for a todo. Recording what is already
// stored leaves the index clean.
func (x *Index) Record(id model.ID, eventID, fingerprint string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[id]; ok && e.EventID == eventID && e.Fingerprint == fingerprint {
		return
	}
	x.entries[id] = Entry{EventID: eventID, Fingerprint: fingerprint, SyncedAt: x.Now().UTC()}
	x.dirty = true
}

// Forget drops a todo.
func (x *Index) Forget(id model.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[id]; ok {
		delete(x.entries, id)
		x.dirty = true
	}
}

// Stale returns the indexed todo ids for which keep reports false, sorted.
func (x *Index) Stale(keep func(model.ID) bool) []model.ID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var stale []model.ID
	for id := range x.entries {
		if !keep(id) {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	return stale
}

// Save writes the index if it changed. The file is replaced atomically so
// an interrupted sync never leaves half an index behind.
func (x *Index) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}

	data, err := json.MarshalIndent(document{Version: Version, Entries: x.entries}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(x.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".events-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), x.path); err != nil {
		return err
	}
	x.dirty = false
	return nil
}

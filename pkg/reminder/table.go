// Package reminder tracks open todos with a due time and reports each one
// once when it falls due and once more a day later if still open.
package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/model"
)

// File is the table file name inside the config directory.
const File = "reminders.json"

// FollowUpAfter is how long past due a todo must be before the follow-up.
const FollowUpAfter = 24 * time.Hour

// Kind says which notice is being sent.
type Kind int

const (
	Due Kind = iota
	FollowUp
)

func (k Kind) String() string {
	if k == FollowUp {
		return "follow-up"
	}
	return "due"
}

// Entry is a tracked todo.
type Entry struct {
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Priority     model.Priority `json:"priority"`
	Due          time.Time      `json:"due"`
	ReminderSent bool           `json:"reminder_sent"`
	FollowUpSent bool           `json:"followup_sent"`
}

// Notice is a reminder to show the user.
type Notice struct {
	Kind  Kind
	ID    model.ID
	Entry Entry
}

// Subject is a one-line summary of the notice.
func (n Notice) Subject() string {
	if n.Kind == FollowUp {
		return "Action Required: Overdue Task - " + n.Entry.Title
	}
	return "Reminder: " + n.Entry.Title
}

// Body describes the todo, with the due time shown in loc.
func (n Notice) Body(loc *time.Location) string {
	var b strings.Builder
	if n.Kind == FollowUp {
		b.WriteString("Your todo task is overdue and still not completed:\n\n")
	} else {
		b.WriteString("This is a reminder that your todo task is due now:\n\n")
	}
	fmt.Fprintf(&b, "Title: %s\n", n.Entry.Title)
	fmt.Fprintf(&b, "Priority: %s\n", capitalize(string(n.Entry.Priority)))
	fmt.Fprintf(&b, "Due Date & Time: %s\n", n.Entry.Due.In(loc).Format("January 02, 2006 at 03:04 PM"))
	if n.Entry.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", n.Entry.Description)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Table is the persisted set of tracked todos.
type Table struct {
	Entries map[model.ID]Entry `json:"entries"`
	Path    string             `json:"-"`
	dirty   bool
}

// Open loads the table at path. A missing file gives an empty table.
func Open(path string) (*Table, error) {
	t := &Table{
		Path:    path,
		Entries: make(map[model.ID]Entry),
	}

	if _, err := os.Stat(path); err == nil {
		if err := t.Load(); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Load replaces the entries with the file contents.
func (t *Table) Load() error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(t); err != nil {
		return fmt.Errorf("failed to decode reminder table %s: %w", t.Path, err)
	}
	if t.Entries == nil {
		t.Entries = make(map[model.ID]Entry)
	}
	t.dirty = false
	return nil
}

// Save writes the table if it changed.
func (t *Table) Save() error {
	if !t.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.Path), 0700); err != nil {
		return err
	}

	f, err := os.Create(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(t)
	if err == nil {
		t.dirty = false
	}
	return err
}

// Sync makes the table follow todos, which must be the complete, unfiltered
// collection. Open todos with a due time are tracked; a changed due time
// re-arms both notices. Everything else is dropped. Todos whose due time
// cannot be decoded are left as they were and reported in the returned error.
func (t *Table) Sync(todos []model.Todo) error {
	var errs []error
	seen := make(map[model.ID]bool, len(todos))
	for _, todo := range todos {
		due, ok, err := duetime.Instant(todo.Due)
		if err != nil {
			// Keep whatever was tracked before.
			seen[todo.ID] = true
			errs = append(errs, fmt.Errorf("todo %s: %w", todo.ID, err))
			continue
		}
		if todo.Completed || !ok {
			continue
		}
		seen[todo.ID] = true
		t.update(todo, due)
	}

	for id := range t.Entries {
		if !seen[id] {
			t.Remove(id)
		}
	}
	return errors.Join(errs...)
}

func (t *Table) update(todo model.Todo, due time.Time) {
	entry := Entry{
		Title:    todo.Title,
		Priority: todo.Priority,
		Due:      due.UTC(),
	}
	if todo.Description != nil {
		entry.Description = *todo.Description
	}

	old, exists := t.Entries[todo.ID]
	if exists && old.Due.Equal(entry.Due) {
		entry.ReminderSent = old.ReminderSent
		entry.FollowUpSent = old.FollowUpSent
	}
	if !exists || old != entry {
		t.Entries[todo.ID] = entry
		t.dirty = true
	}
}

// Remove stops tracking a todo.
func (t *Table) Remove(id model.ID) {
	if _, exists := t.Entries[id]; exists {
		delete(t.Entries, id)
		t.dirty = true
	}
}

// Sweep returns the notices that became due at now and marks them sent. A
// todo gets at most one notice per sweep, ordered by due time.
func (t *Table) Sweep(now time.Time) []Notice {
	var notices []Notice
	for id, entry := range t.Entries {
		switch {
		case !entry.ReminderSent && !entry.Due.After(now):
			entry.ReminderSent = true
			notices = append(notices, Notice{Kind: Due, ID: id, Entry: entry})
		case entry.ReminderSent && !entry.FollowUpSent && now.Sub(entry.Due) >= FollowUpAfter:
			entry.FollowUpSent = true
			notices = append(notices, Notice{Kind: FollowUp, ID: id, Entry: entry})
		default:
			continue
		}
		t.Entries[id] = entry
		t.dirty = true
	}

	sort.Slice(notices, func(i, j int) bool {
		if !notices[i].Entry.Due.Equal(notices[j].Entry.Due) {
			return notices[i].Entry.Due.Before(notices[j].Entry.Due)
		}
		return notices[i].ID < notices[j].ID
	})
	return notices
}

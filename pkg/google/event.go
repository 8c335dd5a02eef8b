package google

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/model"
	"google.golang.org/api/calendar/v3"
)

// TodoIDProperty is the private extended property holding the todo id.
const TodoIDProperty = "todo_id"

// DefaultDuration is the length of an event for a todo with a due time.
const DefaultDuration = 30 * time.Minute

// ErrNoDeadline is returned for todos that cannot be placed on a calendar.
var ErrNoDeadline = errors.New("todo has no due date")

// Google Calendar event color ids.
const (
	ColorGraphite = "8"
	ColorBasil    = "10"
	ColorTomato   = "11"
	ColorBanana   = "5"
)

// PriorityColors maps open todos to an event color.
var PriorityColors = map[model.Priority]string{
	model.PriorityHigh:   ColorTomato,
	model.PriorityMedium: ColorBanana,
	model.PriorityLow:    ColorBasil,
}

// ConvertTodoToEvent builds the event mirroring todo. A due time becomes a
// DefaultDuration event starting then; a bare due date becomes an all-day
// event.
func ConvertTodoToEvent(todo model.Todo) (*calendar.Event, error) {
	// 1. Title/Summary Logic
	summary := todo.Title
	if todo.Completed {
		summary = "✓ " + todo.Title
	} else if todo.IsOverdue {
		summary = "! " + todo.Title
	}

	// 2. Color Logic
	colorID := PriorityColors[todo.Priority]
	if todo.Completed {
		colorID = ColorGraphite
	}

	// 3. Time Logic
	event := &calendar.Event{
		Summary:     summary,
		ColorId:     colorID,
		Description: describe(todo),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{TodoIDProperty: todo.ID.String()},
		},
	}

	at, timed, err := duetime.Instant(todo.Due)
	if err != nil {
		return nil, err
	}
	if timed {
		event.Start = &calendar.EventDateTime{
			DateTime:   at.UTC().Format(time.RFC3339),
			NullFields: []string{"Date"},
		}
		event.End = &calendar.EventDateTime{
			DateTime:   at.Add(DefaultDuration).UTC().Format(time.RFC3339),
			NullFields: []string{"Date"},
		}
		return event, nil
	}

	if todo.Due.Date == nil || *todo.Due.Date == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoDeadline, todo.ID)
	}
	date, err := duetime.ParseDate(*todo.Due.Date)
	if err != nil {
		return nil, err
	}
	// All-day events end on the following day, exclusive.
	event.Start = &calendar.EventDateTime{Date: date.String(), NullFields: []string{"DateTime"}}
	event.End = &calendar.EventDateTime{Date: date.AddDays(1).String(), NullFields: []string{"DateTime"}}
	return event, nil
}

func describe(todo model.Todo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Priority: %s\n", todo.Priority)
	status := "pending"
	if todo.Completed {
		status = "completed"
	}
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "ID: %s\n", todo.ID)
	if todo.Description != nil && *todo.Description != "" {
		b.WriteString("\nNotes:\n")
		for _, line := range strings.Split(strings.TrimSpace(*todo.Description), "\n") {
			fmt.Fprintf(&b, "‣ %s\n", line)
		}
	}
	return b.String()
}

// EventNeedsUpdate returns a patch turning existing into target, or nil when
// the fields the mirror manages already match.
func EventNeedsUpdate(existing, target *calendar.Event) (*calendar.Event, error) {
	patch := &calendar.Event{}
	needsUpdate := false

	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		needsUpdate = true
	}
	if existing.Description != target.Description {
		patch.Description = target.Description
		needsUpdate = true
	}
	if existing.ColorId != target.ColorId {
		patch.ColorId = target.ColorId
		needsUpdate = true
	}

	sameStart, err := sameTime(existing.Start, target.Start)
	if err != nil {
		return nil, err
	}
	sameEnd, err := sameTime(existing.End, target.End)
	if err != nil {
		return nil, err
	}
	if !sameStart || !sameEnd {
		patch.Start = target.Start
		patch.End = target.End
		needsUpdate = true
	}

	if needsUpdate {
		return patch, nil
	}
	return nil, nil
}

// sameTime compares two event times. All-day and timed values never match.
func sameTime(a, b *calendar.EventDateTime) (bool, error) {
	if a == nil || b == nil {
		return a == b, nil
	}
	if a.DateTime == "" || b.DateTime == "" {
		return a.DateTime == b.DateTime && a.Date == b.Date, nil
	}
	at, err := time.Parse(time.RFC3339, a.DateTime)
	if err != nil {
		return false, err
	}
	bt, err := time.Parse(time.RFC3339, b.DateTime)
	if err != nil {
		return false, err
	}
	return at.Equal(bt), nil
}

// TodoID returns the todo id stored on an event.
func TodoID(event *calendar.Event) (model.ID, bool) {
	if event == nil || event.ExtendedProperties == nil {
		return "", false
	}
	id, ok := event.ExtendedProperties.Private[TodoIDProperty]
	return model.ID(id), ok && id != ""
}

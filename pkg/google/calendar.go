package google

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/todo/pkg/index"
	"github.com/harrisonrobin/todo/pkg/model"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

// CalendarClient mirrors todos into one Google calendar.
type CalendarClient struct {
	// Recheck makes SyncAll compare every event with its todo, even when
	// the index says the todo has not changed since the last sync.
	Recheck bool

	srv        *calendar.Service
	calendarID string
	index      *index.Index
	logger     *log.Logger
}

// NewCalendarClient creates a client for the calendar with calendarID.
func NewCalendarClient(srv *calendar.Service, calendarID string, idx *index.Index, logger *log.Logger) *CalendarClient {
	if logger == nil {
		logger = log.Default()
	}
	return &CalendarClient{srv: srv, calendarID: calendarID, index: idx, logger: logger}
}

// SyncTodo creates the event for todo or patches the existing one.
func (c *CalendarClient) SyncTodo(ctx context.Context, todo model.Todo) (*calendar.Event, error) {
	event, err := ConvertTodoToEvent(todo)
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(event)
	if err != nil {
		return nil, err
	}

	existing, err := c.findEvent(ctx, todo.ID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		patch, err := EventNeedsUpdate(existing, event)
		if err != nil {
			return nil, fmt.Errorf("could not compare todo %s with its calendar event: %w", todo.ID, err)
		}
		if patch == nil {
			c.record(todo.ID, existing.Id, fp)
			return existing, nil
		}
		updated, err := c.PatchEvent(ctx, existing.Id, patch)
		if err != nil {
			return nil, err
		}
		c.record(todo.ID, updated.Id, fp)
		return updated, nil
	}

	created, err := c.srv.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to create event for todo %s: %w", todo.ID, err)
	}
	c.record(todo.ID, created.Id, fp)
	return created, nil
}

// Fingerprint hashes the fields of an event that SyncTodo writes.
func Fingerprint(event *calendar.Event) (string, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("could not fingerprint event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16]), nil
}

// unchanged reports whether the index holds the event todo would produce.
func (c *CalendarClient) unchanged(todo model.Todo) bool {
	if c.index == nil || c.Recheck {
		return false
	}
	entry, ok := c.index.Lookup(todo.ID)
	if !ok || entry.EventID == "" || entry.Fingerprint == "" {
		return false
	}
	event, err := ConvertTodoToEvent(todo)
	if err != nil {
		return false
	}
	fp, err := Fingerprint(event)
	return err == nil && fp == entry.Fingerprint
}

// findEvent looks the todo up in the index first, then by extended property.
func (c *CalendarClient) findEvent(ctx context.Context, id model.ID) (*calendar.Event, error) {
	// 1. Try local index first
	if c.index != nil {
		if eventID := c.index.EventID(id); eventID != "" {
			event, err := c.srv.Events.Get(c.calendarID, eventID).Context(ctx).Do()
			if err == nil && event.Status != "cancelled" {
				return event, nil
			}
			if err != nil && !isGone(err) {
				c.logger.Debug("indexed event lookup failed, searching", "todo", id, "event", eventID, "err", err)
			}
		}
	}

	// 2. Fallback to API search
	event, err := c.GetEventByTodoID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error searching for event: %w", err)
	}
	return event, nil
}

// RemoveTodo deletes the event mirroring a todo, if there is one.
func (c *CalendarClient) RemoveTodo(ctx context.Context, id model.ID) error {
	event, err := c.findEvent(ctx, id)
	if err != nil {
		return err
	}
	if event != nil {
		if err := c.DeleteEvent(ctx, event.Id); err != nil {
			return err
		}
	}
	if c.index != nil {
		c.index.Forget(id)
	}
	return nil
}

// SyncResult counts what SyncAll did.
type SyncResult struct {
	Synced int
	// Unchanged todos were skipped without calling the Calendar API.
	Unchanged int
	Removed   int
	Failed    int
}

// SyncAll mirrors every dated todo and removes the events of indexed todos
// that are gone or no longer dated. todos must be the complete collection.
// Todos whose event fingerprint matches the index are skipped unless
// Recheck is set. Failures of single todos are logged and counted, and the
// index is saved at the end.
func (c *CalendarClient) SyncAll(ctx context.Context, todos []model.Todo) (SyncResult, error) {
	var result SyncResult
	dated := make(map[model.ID]bool, len(todos))

	for _, todo := range todos {
		if !todo.Due.HasDeadline() {
			continue
		}
		dated[todo.ID] = true
		if c.unchanged(todo) {
			result.Unchanged++
			continue
		}
		if _, err := c.SyncTodo(ctx, todo); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			c.logger.Error("failed to sync todo", "todo", todo.ID, "title", todo.Title, "err", err)
			result.Failed++
			continue
		}
		result.Synced++
	}

	if c.index != nil {
		for _, id := range c.index.Stale(func(id model.ID) bool { return dated[id] }) {
			if err := c.RemoveTodo(ctx, id); err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				c.logger.Error("failed to remove event", "todo", id, "err", err)
				result.Failed++
				continue
			}
			result.Removed++
		}
		if err := c.index.Save(); err != nil {
			return result, fmt.Errorf("failed to save event index: %w", err)
		}
	}
	return result, nil
}

// PatchEvent performs a partial update on an event.
func (c *CalendarClient) PatchEvent(ctx context.Context, eventID string, patch *calendar.Event) (*calendar.Event, error) {
	event, err := c.srv.Events.Patch(c.calendarID, eventID, patch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to patch event %s: %w", eventID, err)
	}
	return event, nil
}

// DeleteEvent deletes an event. An event that is already gone is not an
// error.
func (c *CalendarClient) DeleteEvent(ctx context.Context, eventID string) error {
	err := c.srv.Events.Delete(c.calendarID, eventID).Context(ctx).Do()
	if err != nil && !isGone(err) {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// ListEvents fetches events starting after timeMin.
func (c *CalendarClient) ListEvents(ctx context.Context, timeMin time.Time) ([]*calendar.Event, error) {
	events, err := c.srv.Events.List(c.calendarID).TimeMin(timeMin.Format(time.RFC3339)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve events from calendar: %w", err)
	}
	return events.Items, nil
}

// GetEventByTodoID searches for the event carrying the todo id property.
func (c *CalendarClient) GetEventByTodoID(ctx context.Context, id model.ID) (*calendar.Event, error) {
	events, err := c.srv.Events.List(c.calendarID).
		PrivateExtendedProperty(fmt.Sprintf("%s=%s", TodoIDProperty, id)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	for _, event := range events.Items {
		if event.Status != "cancelled" {
			return event, nil
		}
	}
	return nil, nil
}

func (c *CalendarClient) record(id model.ID, eventID, fingerprint string) {
	if c.index != nil {
		c.index.Record(id, eventID, fingerprint)
	}
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}

package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestUnmarshalTodo(t *testing.T) {
	input := `{
		"id": 42,
		"title": "Buy milk",
		"description": null,
		"priority": "high",
		"completed": false,
		"due_date": "2024-05-01",
		"due_datetime": "2024-05-01T19:30:00Z",
		"is_overdue": true,
		"created_at": "2024-04-30T08:00:00.123456Z",
		"updated_at": "2024-04-30T09:00:00Z"
	}`

	var todo Todo
	if err := json.Unmarshal([]byte(input), &todo); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if todo.ID != "42" {
		t.Errorf("Expected ID 42, got %q", todo.ID)
	}
	if todo.Description != nil {
		t.Errorf("Expected nil description, got %q", *todo.Description)
	}
	if todo.Due.Date == nil || *todo.Due.Date != "2024-05-01" {
		t.Errorf("Expected due_date 2024-05-01, got %v", todo.Due.Date)
	}
	if todo.Due.DateTime == nil || *todo.Due.DateTime != "2024-05-01T19:30:00Z" {
		t.Errorf("Expected due_datetime to be kept verbatim, got %v", todo.Due.DateTime)
	}
	if !todo.IsOverdue {
		t.Error("Expected is_overdue to be carried through")
	}
	if todo.CreatedAt.IsZero() {
		t.Error("Expected created_at to be parsed")
	}
}

func TestUnmarshalStringID(t *testing.T) {
	var todo Todo
	if err := json.Unmarshal([]byte(`{"id":"7f3c"}`), &todo); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if todo.ID != "7f3c" {
		t.Errorf("Expected ID 7f3c, got %q", todo.ID)
	}
	if err := json.Unmarshal([]byte(`{"id":true}`), &todo); err == nil {
		t.Error("Expected error for boolean id")
	}
}

func TestDraftMarshalSendsNullDue(t *testing.T) {
	b, err := json.Marshal(Draft{Title: "x", Priority: PriorityLow})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(b)
	for _, want := range []string{`"due_date":null`, `"due_datetime":null`, `"description":null`} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %s in %s", want, got)
		}
	}
	if strings.Contains(got, `"id"`) {
		t.Errorf("Draft must not carry an id: %s", got)
	}
}

func TestPatchMarshalOmitsUnset(t *testing.T) {
	title := "new"
	b, err := json.Marshal(Patch{Title: &title})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"title":"new"}` {
		t.Errorf("Expected only title, got %s", b)
	}

	b, err = json.Marshal(Patch{Due: &Due{}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"due_date":null,"due_datetime":null}` {
		t.Errorf("Expected cleared due fields, got %s", b)
	}
}

func TestPatchClearDescription(t *testing.T) {
	b, err := json.Marshal(Patch{ClearDescription: true})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"description":null}` {
		t.Errorf("Expected explicit null, got %s", b)
	}

	title := "new"
	b, err = json.Marshal(Patch{Title: &title, ClearDescription: true})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"description":null,"title":"new"}` {
		t.Errorf("Expected null next to title, got %s", b)
	}

	var p Patch
	if err := json.Unmarshal([]byte(`{"description":null,"due_date":null}`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !p.ClearDescription || p.Description != nil || p.Due == nil {
		t.Errorf("Expected cleared description and due, got %+v", p)
	}

	p = Patch{}
	if err := json.Unmarshal([]byte(`{"title":"x"}`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.ClearDescription || p.Title == nil || *p.Title != "x" {
		t.Errorf("Expected only title, got %+v", p)
	}
}

func TestDraftValidate(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
		field string
	}{
		{"ok", Draft{Title: "Buy milk", Priority: PriorityMedium}, ""},
		{"blank title", Draft{Title: "   ", Priority: PriorityMedium}, "title"},
		{"long title", Draft{Title: strings.Repeat("é", MaxTitleLength+1), Priority: PriorityMedium}, "title"},
		{"max title", Draft{Title: strings.Repeat("é", MaxTitleLength), Priority: PriorityMedium}, ""},
		{"bad priority", Draft{Title: "x", Priority: "urgent"}, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if len(verr.Fields[tt.field]) == 0 {
				t.Errorf("Expected message for %s, got %v", tt.field, verr.Fields)
			}
		})
	}
}

func TestStatsValidate(t *testing.T) {
	good := Stats{Total: 3, Completed: 1, Pending: 2, HighPriority: 1, MediumPriority: 1, LowPriority: 1}
	if err := good.Validate(); err != nil {
		t.Errorf("Expected valid stats, got %v", err)
	}
	if err := (Stats{Total: 3, Completed: 1, Pending: 1}).Validate(); err == nil {
		t.Error("Expected error when completed + pending != total")
	}
	if err := (Stats{Total: 0, Completed: -1, Pending: 1}).Validate(); err == nil {
		t.Error("Expected error for negative count")
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" High ")
	if err != nil || p != PriorityHigh {
		t.Errorf("Expected high, got %q (%v)", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("Expected error for unknown priority")
	}
}

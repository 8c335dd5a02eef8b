package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTitleLength is the longest title the server accepts, in characters.
const MaxTitleLength = 200

// Priority is the urgency of a todo.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Priorities lists the valid priorities from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q (want low, medium or high)", s)
	}
	return p, nil
}

// ID identifies a todo. The server assigns it; the client treats it as opaque.
type ID string

// UnmarshalJSON accepts both JSON strings and numbers.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("failed to decode todo id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("failed to decode todo id %s: %w", b, err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Due holds the wire representation of a deadline. Date is a calendar date
// (YYYY-MM-DD). DateTime is an offset-qualified timestamp and is only set
// together with Date.
type Due struct {
	Date     *string `json:"due_date" yaml:"due_date"`
	DateTime *string `json:"due_datetime" yaml:"due_datetime"`
}

// HasDeadline reports whether any due field is set.
func (d Due) HasDeadline() bool {
	return (d.Date != nil && *d.Date != "") || (d.DateTime != nil && *d.DateTime != "")
}

// User is the account a token belongs to.
type User struct {
	ID       ID     `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email" yaml:"email"`
}

// Todo is a task as returned by the server.
type Todo struct {
	ID          ID       `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description *string  `json:"description" yaml:"description,omitempty"`
	Priority    Priority `json:"priority" yaml:"priority"`
	Completed   bool     `json:"completed" yaml:"completed"`
	Due         `yaml:",inline"`
	// IsOverdue is computed by the server and never recomputed locally.
	IsOverdue bool       `json:"is_overdue" yaml:"is_overdue"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Draft is the body of a create or full update request.
type Draft struct {
	Title       string   `json:"title"`
	Description *string  `json:"description"`
	Priority    Priority `json:"priority"`
	Completed   *bool    `json:"completed,omitempty"`
	Due
}

// Patch is the body of a partial update. Nil fields are not sent.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
	// ClearDescription sends "description": null when Description is nil.
	ClearDescription bool `json:"-"`
	*Due
}

// MarshalJSON adds the explicit null for a cleared description.
func (p Patch) MarshalJSON() ([]byte, error) {
	type plain Patch
	b, err := json.Marshal(plain(p))
	if err != nil || !p.ClearDescription || p.Description != nil {
		return b, err
	}
	if bytes.Equal(b, []byte("{}")) {
		return []byte(`{"description":null}`), nil
	}
	return append([]byte(`{"description":null,`), b[1:]...), nil
}

// UnmarshalJSON sets ClearDescription when the description is an explicit
// null.
func (p *Patch) UnmarshalJSON(b []byte) error {
	type plain Patch
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*p = Patch(v)
	if raw, ok := fields["description"]; ok && bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		p.ClearDescription = true
	}
	return nil
}

// Validate checks a draft the same way the server does before it is sent.
func (d Draft) Validate() error {
	verr := &ValidationError{}
	checkTitle(verr, d.Title)
	if !d.Priority.Valid() {
		verr.Add("priority", fmt.Sprintf("%q is not a valid choice.", d.Priority))
	}
	return verr.OrNil()
}

// Validate checks the fields present in a patch.
func (p Patch) Validate() error {
	verr := &ValidationError{}
	if p.Title != nil {
		checkTitle(verr, *p.Title)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		verr.Add("priority", fmt.Sprintf("%q is not a valid choice.", *p.Priority))
	}
	return verr.OrNil()
}

func checkTitle(verr *ValidationError, title string) {
	if strings.TrimSpace(title) == "" {
		verr.Add("title", "Title cannot be empty.")
	} else if utf8.RuneCountInString(title) > MaxTitleLength {
		verr.Add("title", fmt.Sprintf("Title cannot exceed %d characters.", MaxTitleLength))
	}
}

// ValidationError collects per-field messages produced before a request is sent.
type ValidationError struct {
	// Subject names what was checked in the message. Empty means "todo".
	Subject string
	Fields  map[string][]string
}

// Add appends a message for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// OrNil returns e if it holds any message, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	subject := e.Subject
	if subject == "" {
		subject = "todo"
	}
	return "invalid " + subject + ": " + FormatFields(e.Fields)
}

// FormatFields renders a field error mapping as "field: msg; field: msg",
// sorted by field name.
func FormatFields(fields map[string][]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, strings.Join(fields[name], " ")))
	}
	return strings.Join(parts, "; ")
}

// Package filter turns list filter state into query parameters.
package filter

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/harrisonrobin/todo/pkg/model"
)

// TriState is a filter value that may be left unset.
type TriState int

const (
	Unset TriState = iota
	True
	False
)

// Bool returns the TriState for b.
func Bool(b bool) TriState {
	if b {
		return True
	}
	return False
}

// ParseTriState parses "", "all", "true"/"done" or "false"/"pending".
func ParseTriState(s string) (TriState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "any":
		return Unset, nil
	case "true", "yes", "done", "completed":
		return True, nil
	case "false", "no", "pending", "active":
		return False, nil
	}
	return Unset, fmt.Errorf("invalid completion filter %q", s)
}

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	}
	return "unset"
}

// SortKey orders list results.
type SortKey string

const (
	SortNewest     SortKey = "-created_at"
	SortOldest     SortKey = "created_at"
	SortDueLatest  SortKey = "-due_date"
	SortDueSoonest SortKey = "due_date"
	SortPriority   SortKey = "priority"
)

// DefaultSortKey is used when a filter does not choose an order.
const DefaultSortKey = SortNewest

// SortKeys lists the accepted sort keys.
var SortKeys = []SortKey{SortNewest, SortOldest, SortDueLatest, SortDueSoonest, SortPriority}

// ParseSortKey validates a sort key. An empty string selects the default.
func ParseSortKey(s string) (SortKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSortKey, nil
	}
	for _, k := range SortKeys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid sort key %q", s)
}

// State is the filter a list view is showing.
type State struct {
	Search    string
	Completed TriState
	Priority  model.Priority
	SortBy    SortKey
}

// Params are list query parameters. Values are strings or bools.
type Params map[string]any

// Build returns the smallest parameter set that expresses s.
func Build(s State) Params {
	p := Params{}
	if search := strings.TrimSpace(s.Search); search != "" {
		p["search"] = search
	}
	switch s.Completed {
	case True:
		p["completed"] = true
	case False:
		p["completed"] = false
	}
	if s.Priority.Valid() {
		p["priority"] = string(s.Priority)
	}
	if s.SortBy != "" {
		p["sort_by"] = string(s.SortBy)
	} else {
		p["sort_by"] = string(DefaultSortKey)
	}
	return p
}

// Values encodes p for a URL query.
func (p Params) Values() url.Values {
	v := url.Values{}
	for key, val := range p {
		switch val := val.(type) {
		case bool:
			v.Set(key, strconv.FormatBool(val))
		case string:
			v.Set(key, val)
		default:
			v.Set(key, fmt.Sprint(val))
		}
	}
	return v
}

func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

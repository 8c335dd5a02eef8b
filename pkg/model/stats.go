package model

import "fmt"

// Stats is the aggregate computed by the server over all of the user's todos.
type Stats struct {
	Total          int `json:"total" yaml:"total"`
	Completed      int `json:"completed" yaml:"completed"`
	Pending        int `json:"pending" yaml:"pending"`
	HighPriority   int `json:"high_priority" yaml:"high_priority"`
	MediumPriority int `json:"medium_priority" yaml:"medium_priority"`
	LowPriority    int `json:"low_priority" yaml:"low_priority"`
}

// Validate reports counts that cannot describe a real collection.
func (s Stats) Validate() error {
	counts := map[string]int{
		"total":           s.Total,
		"completed":       s.Completed,
		"pending":         s.Pending,
		"high_priority":   s.HighPriority,
		"medium_priority": s.MediumPriority,
		"low_priority":    s.LowPriority,
	}
	for name, n := range counts {
		if n < 0 {
			return fmt.Errorf("stats: negative %s count %d", name, n)
		}
	}
	if s.Completed+s.Pending != s.Total {
		return fmt.Errorf("stats: completed (%d) + pending (%d) != total (%d)", s.Completed, s.Pending, s.Total)
	}
	return nil
}

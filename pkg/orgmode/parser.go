// Package orgmode reads TODO headlines from Org-mode files so they can be
// imported as todos.
package orgmode

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/model"
	"github.com/harrisonrobin/todo/pkg/store"
)

var (
	headlineRegex = regexp.MustCompile(`^\*+\s+(TODO|DONE)\s+(?:\[#([A-Za-z])\]\s*)?(.*?)(?:\s+:[\w@:]+:)?\s*$`)
	deadlineRegex = regexp.MustCompile(`DEADLINE:\s+<(\d{4}-\d{2}-\d{2})(?:\s+[A-Za-z]{2,3})?(?:\s+(\d{1,2}:\d{2}))?[^>]*>`)
	otherHeading  = regexp.MustCompile(`^\*+\s`)
)

// Priorities maps Org priority cookies to todo priorities.
var Priorities = map[string]model.Priority{
	"A": model.PriorityHigh,
	"B": model.PriorityMedium,
	"C": model.PriorityLow,
}

// ParseFile parses the Org file at path.
func ParseFile(path string) ([]store.Form, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file, path)
}

// ParseFiles parses several Org files in order.
func ParseFiles(paths []string) ([]store.Form, error) {
	var all []store.Form
	for _, path := range paths {
		forms, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, forms...)
	}
	return all, nil
}

// Parse returns one form per TODO or DONE headline. Text under a headline
// becomes the description; drawers and planning lines are skipped.
func Parse(r io.Reader, source string) ([]store.Form, error) {
	scanner := bufio.NewScanner(r)
	var forms []store.Form
	var current *store.Form
	var notes []string
	inDrawer := false
	lineNo := 0

	flush := func() {
		if current == nil {
			return
		}
		current.Description = strings.TrimSpace(strings.Join(notes, "\n"))
		forms = append(forms, *current)
		current, notes = nil, nil
	}

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		if m := headlineRegex.FindStringSubmatch(raw); m != nil {
			flush()
			current = &store.Form{Title: strings.TrimSpace(m[3])}
			if m[1] == "DONE" {
				done := true
				current.Completed = &done
			}
			if m[2] != "" {
				current.Priority = Priorities[strings.ToUpper(m[2])]
			}
			inDrawer = false
			continue
		}
		if otherHeading.MatchString(raw) {
			flush()
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case line == ":END:":
			inDrawer = false
			continue
		case inDrawer:
			continue
		case strings.HasPrefix(line, ":") && strings.HasSuffix(line, ":") && len(line) > 1:
			inDrawer = true
			continue
		}

		if m := deadlineRegex.FindStringSubmatch(line); m != nil {
			entry, err := deadline(m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", source, lineNo, err)
			}
			current.Due = entry
			continue
		}
		if strings.HasPrefix(line, "SCHEDULED:") || strings.HasPrefix(line, "CLOSED:") {
			continue
		}
		notes = append(notes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	flush()
	return forms, nil
}

func deadline(date, clock string) (duetime.Entry, error) {
	d, err := duetime.ParseDate(date)
	if err != nil {
		return duetime.Entry{}, err
	}
	entry := duetime.Entry{Date: &d}
	if clock != "" {
		t, err := civil.ParseTime(padClock(clock) + ":00")
		if err != nil {
			return duetime.Entry{}, fmt.Errorf("invalid deadline time %q: %w", clock, err)
		}
		entry.Time = &t
	}
	return entry, nil
}

// padClock turns 9:30 into 09:30.
func padClock(s string) string {
	if len(s) == 4 {
		return "0" + s
	}
	return s
}

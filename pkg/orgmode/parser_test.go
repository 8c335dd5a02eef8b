package orgmode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrisonrobin/todo/pkg/model"
)

const sample = `#+TITLE: Errands

* Shopping
** TODO [#A] Buy milk                                            :home:errand:
   DEADLINE: <2024-05-01 Wed 14:30>
   :PROPERTIES:
   :ID:       1f0c2b7e-aaaa-bbbb-cccc-1234567890ab
   :END:
   2 litres
   oat
** DONE Pay rent
   CLOSED: [2024-04-30 Tue 09:12] DEADLINE: <2024-05-01 Wed>
* Notes
  Not a task.
* TODO [#C] Water plants
  DEADLINE: <2024-05-03 Fri 9:05 +1w>
`

func TestParse(t *testing.T) {
	forms, err := Parse(strings.NewReader(sample), "errands.org")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(forms) != 3 {
		t.Fatalf("Expected 3 todos, got %d: %+v", len(forms), forms)
	}

	milk := forms[0]
	if milk.Title != "Buy milk" {
		t.Errorf("Expected title without tags, got %q", milk.Title)
	}
	if milk.Priority != model.PriorityHigh {
		t.Errorf("Expected high priority, got %q", milk.Priority)
	}
	if milk.Description != "2 litres\noat" {
		t.Errorf("Expected notes without drawer, got %q", milk.Description)
	}
	if milk.Due.String() != "2024-05-01 14:30:00" {
		t.Errorf("Expected deadline 2024-05-01 14:30:00, got %q", milk.Due.String())
	}
	if milk.Completed != nil {
		t.Error("Expected TODO to leave completed unset")
	}

	rent := forms[1]
	if rent.Completed == nil || !*rent.Completed {
		t.Error("Expected DONE to be completed")
	}
	if rent.Due.String() != "2024-05-01" || rent.Due.Time != nil {
		t.Errorf("Expected date-only deadline, got %q", rent.Due.String())
	}
	if rent.Description != "" || rent.Priority != "" {
		t.Errorf("Expected no notes or priority, got %+v", rent)
	}

	plants := forms[2]
	if plants.Priority != model.PriorityLow || plants.Due.String() != "2024-05-03 09:05:00" {
		t.Errorf("Unexpected plants todo %+v (due %s)", plants, plants.Due)
	}
}

func TestParseInvalidDeadline(t *testing.T) {
	_, err := Parse(strings.NewReader("* TODO Broken\n  DEADLINE: <2024-02-30 Fri>\n"), "broken.org")
	if err == nil || !strings.Contains(err.Error(), "broken.org:2") {
		t.Errorf("Expected error with position, got %v", err)
	}
}

func TestParseFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.org")
	b := filepath.Join(dir, "b.org")
	if err := os.WriteFile(a, []byte("* TODO First\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("* TODO Second\n"), 0644); err != nil {
		t.Fatal(err)
	}

	forms, err := ParseFiles([]string{a, b})
	if err != nil {
		t.Fatalf("ParseFiles failed: %v", err)
	}
	if len(forms) != 2 || forms[0].Title != "First" || forms[1].Title != "Second" {
		t.Errorf("Unexpected forms %+v", forms)
	}

	if _, err := ParseFiles([]string{filepath.Join(dir, "missing.org")}); err == nil {
		t.Error("Expected error for missing file")
	}
}

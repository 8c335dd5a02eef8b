package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/harrisonrobin/todo/pkg/apitest"
	"github.com/harrisonrobin/todo/pkg/auth"
	"github.com/harrisonrobin/todo/pkg/config"
	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/model"
	"github.com/harrisonrobin/todo/pkg/reminder"
	"gopkg.in/yaml.v3"
)

func ptr[T any](v T) *T {
	return &v
}

// setupCLI points the CLI at a fresh config directory and a fake API that
// requires authentication.
func setupCLI(t *testing.T) (*apitest.Server, string) {
	t.Helper()
	srv := apitest.NewServer(t)
	srv.RequireAuth = true

	dir := t.TempDir()
	t.Setenv(config.DirEnv, dir)
	t.Setenv(PasswordEnv, "")

	cfg := config.Default()
	cfg.BaseURL = srv.BaseURL()
	cfg.Timezone = "America/Chicago"
	cfg.LogLevel = "error"
	if err := config.SaveFile(filepath.Join(dir, "config.toml"), cfg); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	return srv, dir
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func login(t *testing.T) {
	t.Helper()
	if _, err := runCLI(t, "", "login", "--username", "alice", "--password", "secret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
}

func TestLoginSavesToken(t *testing.T) {
	_, dir := setupCLI(t)

	out, err := runCLI(t, "secret\n", "login", "-u", "alice")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(out, "Logged in as alice") {
		t.Errorf("Unexpected output %q", out)
	}
	info, err := os.Stat(filepath.Join(dir, "token.json"))
	if err != nil {
		t.Fatalf("Expected token file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected token mode 0600, got %v", info.Mode().Perm())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	setupCLI(t)
	t.Setenv(PasswordEnv, "wrong")

	_, err := runCLI(t, "", "login", "-u", "alice")
	if err == nil || !strings.Contains(err.Error(), "Invalid credentials") {
		t.Errorf("Expected invalid credentials error, got %v", err)
	}
}

func TestRegisterWhoamiLogout(t *testing.T) {
	_, dir := setupCLI(t)

	// 1. Register reads the password and its confirmation from stdin
	out, err := runCLI(t, "hunter22\nhunter22\n", "register", "--username", "bob", "--email", "bob@example.com")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !strings.Contains(out, "Registered and logged in as bob") {
		t.Errorf("Unexpected output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, auth.TokenFile)); err != nil {
		t.Fatalf("Expected token file: %v", err)
	}

	// 2. whoami reports the new account
	out, err = runCLI(t, "", "-o", "json", "whoami")
	if err != nil {
		t.Fatalf("whoami failed: %v", err)
	}
	var user model.User
	if err := json.Unmarshal([]byte(out), &user); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, out)
	}
	if user.Username != "bob" || user.Email != "bob@example.com" {
		t.Errorf("Unexpected user %+v", user)
	}

	// 3. logout forgets the token; a second logout is not an error
	if out, err = runCLI(t, "", "logout"); err != nil || !strings.Contains(out, "Logged out") {
		t.Fatalf("logout failed: %v (%q)", err, out)
	}
	if out, err = runCLI(t, "", "logout"); err != nil || !strings.Contains(out, "Not logged in") {
		t.Errorf("Expected second logout to succeed, got %v (%q)", err, out)
	}
	if _, err := runCLI(t, "", "whoami"); !errors.Is(err, errNotLoggedIn) {
		t.Errorf("Expected errNotLoggedIn after logout, got %v", err)
	}
}

func TestRegisterRejectsMismatchAndTakenName(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "hunter22\nhunter23\n", "register", "--username", "bob", "--email", "bob@example.com")
	if err == nil || !strings.Contains(err.Error(), "password2") {
		t.Errorf("Expected confirmation mismatch, got %v", err)
	}

	_, err = runCLI(t, "", "register", "--username", "alice", "--email", "a@example.com", "--password", "hunter22")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected taken username error, got %v", err)
	}
}

func TestCommandsRequireLogin(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "", "list")
	if !errors.Is(err, errNotLoggedIn) {
		t.Errorf("Expected errNotLoggedIn, got %v", err)
	}
}

func TestAddBuyMilk(t *testing.T) {
	srv, _ := setupCLI(t)
	login(t)

	out, err := runCLI(t, "", "add", "Buy", "milk", "--due", "2024-05-01", "--at", "14:30", "-p", "high")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !strings.Contains(out, "Buy milk") || !strings.Contains(out, "2024-05-01 14:30") {
		t.Errorf("Unexpected output:\n%s", out)
	}

	req, ok := srv.LastRequest(http.MethodPost, "/todos/")
	if !ok {
		t.Fatal("Expected a create request")
	}
	var sent map[string]any
	if err := json.Unmarshal(req.Body, &sent); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if sent["due_datetime"] != "2024-05-01T14:30:00-05:00" {
		t.Errorf("Expected due_datetime 2024-05-01T14:30:00-05:00, got %v", sent["due_datetime"])
	}
	if sent["priority"] != "high" {
		t.Errorf("Expected priority high, got %v", sent["priority"])
	}
}

func TestAddRejectsTimeWithoutDate(t *testing.T) {
	srv, _ := setupCLI(t)
	login(t)

	_, err := runCLI(t, "", "add", "Call mom", "--at", "09:00")
	if !errors.Is(err, duetime.ErrTimeWithoutDate) {
		t.Errorf("Expected ErrTimeWithoutDate, got %v", err)
	}
	if len(srv.Todos()) != 0 {
		t.Error("Expected nothing to be created")
	}
}

func TestListJSON(t *testing.T) {
	srv, _ := setupCLI(t)
	srv.Seed(
		model.Todo{Title: "Buy milk", Priority: model.PriorityHigh},
		model.Todo{Title: "Water plants", Priority: model.PriorityLow},
	)
	login(t)

	out, err := runCLI(t, "", "-o", "json", "list", "--priority", "high")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var todos []model.Todo
	if err := json.Unmarshal([]byte(out), &todos); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, out)
	}
	if len(todos) != 1 || todos[0].Title != "Buy milk" {
		t.Errorf("Expected only Buy milk, got %+v", todos)
	}

	req, _ := srv.LastRequest(http.MethodGet, "/todos/")
	if !strings.Contains(req.Query, "priority=high") {
		t.Errorf("Expected priority filter in query, got %q", req.Query)
	}
}

func TestListTable(t *testing.T) {
	srv, _ := setupCLI(t)
	srv.Seed(model.Todo{
		Title:    "Pay rent",
		Priority: model.PriorityMedium,
		Due:      model.Due{Date: ptr("2024-05-31")},
	})
	login(t)

	out, err := runCLI(t, "", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, want := range []string{"TITLE", "Pay rent", "medium", "2024-05-31"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected table to contain %q, got:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "", "list", "--search", "nothing")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No todos found.") {
		t.Errorf("Expected empty message, got %q", out)
	}
}

func TestListRejectsBadFilters(t *testing.T) {
	setupCLI(t)
	login(t)

	if _, err := runCLI(t, "", "list", "--sort", "title"); err == nil {
		t.Error("Expected error for unknown sort key")
	}
	if _, err := runCLI(t, "", "list", "--completed", "maybe"); err == nil {
		t.Error("Expected error for bad completion filter")
	}
	if _, err := runCLI(t, "", "-o", "xml", "list"); err == nil {
		t.Error("Expected error for unknown output format")
	}
}

func TestEditPatchesChangedFields(t *testing.T) {
	srv, _ := setupCLI(t)
	seeded := srv.Seed(model.Todo{Title: "Buy milk", Description: ptr("oat")})
	login(t)

	id := seeded[0].ID.String()
	if _, err := runCLI(t, "", "edit", id, "--title", "Buy oat milk"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	req, ok := srv.LastRequest(http.MethodPatch, "/todos/"+id+"/")
	if !ok {
		t.Fatal("Expected a patch request")
	}
	var sent map[string]any
	if err := json.Unmarshal(req.Body, &sent); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if len(sent) != 1 || sent["title"] != "Buy oat milk" {
		t.Errorf("Expected only the title to be sent, got %v", sent)
	}
	if got := srv.Todos()[0]; got.Description == nil || *got.Description != "oat" {
		t.Errorf("Expected description untouched, got %v", got.Description)
	}
}

func TestEditBlankDescriptionClears(t *testing.T) {
	srv, _ := setupCLI(t)
	seeded := srv.Seed(
		model.Todo{Title: "Buy milk", Description: ptr("oat")},
		model.Todo{Title: "Pay rent", Description: ptr("May")},
	)
	login(t)

	if _, err := runCLI(t, "", "edit", seeded[0].ID.String(), "-d", "  "); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	req, ok := srv.LastRequest(http.MethodPatch, "/todos/"+seeded[0].ID.String()+"/")
	if !ok {
		t.Fatal("Expected a patch request")
	}
	if string(req.Body) != `{"description":null}` {
		t.Errorf("Expected description sent as null, got %s", req.Body)
	}

	if _, err := runCLI(t, "", "edit", seeded[1].ID.String(), "--full", "-d", ""); err != nil {
		t.Fatalf("edit --full failed: %v", err)
	}
	for _, todo := range srv.Todos() {
		if todo.Description != nil {
			t.Errorf("Expected %q to have no description, got %q", todo.Title, *todo.Description)
		}
	}
}

func TestEditDueKeepsTimeOfDay(t *testing.T) {
	srv, _ := setupCLI(t)
	seeded := srv.Seed(model.Todo{
		Title: "Buy milk",
		Due:   model.Due{Date: ptr("2024-05-01"), DateTime: ptr("2024-05-01T14:30:00-05:00")},
	})
	login(t)

	id := seeded[0].ID.String()
	if _, err := runCLI(t, "", "edit", id, "--due", "2024-05-02"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	got := srv.Todos()[0]
	if got.Due.DateTime == nil || *got.Due.DateTime != "2024-05-02T14:30:00-05:00" {
		t.Errorf("Expected the time of day to move with the date, got %v", got.Due.DateTime)
	}

	if _, err := runCLI(t, "", "edit", id, "--clear-due"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if got := srv.Todos()[0]; got.Due.HasDeadline() {
		t.Errorf("Expected deadline cleared, got %+v", got.Due)
	}
}

func TestEditFullReplaces(t *testing.T) {
	srv, _ := setupCLI(t)
	seeded := srv.Seed(model.Todo{Title: "Buy milk", Priority: model.PriorityLow})
	login(t)

	id := seeded[0].ID.String()
	if _, err := runCLI(t, "", "edit", id, "--full", "--completed"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	req, ok := srv.LastRequest(http.MethodPut, "/todos/"+id+"/")
	if !ok {
		t.Fatal("Expected a full update request")
	}
	var sent map[string]any
	if err := json.Unmarshal(req.Body, &sent); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if sent["title"] != "Buy milk" || sent["priority"] != "low" || sent["completed"] != true {
		t.Errorf("Expected full body with completed, got %v", sent)
	}
}

func TestToggleAndStats(t *testing.T) {
	srv, _ := setupCLI(t)
	seeded := srv.Seed(
		model.Todo{Title: "Buy milk", Priority: model.PriorityHigh},
		model.Todo{Title: "Pay rent", Priority: model.PriorityMedium},
	)
	login(t)

	if _, err := runCLI(t, "", "toggle", seeded[0].ID.String()); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !srv.Todos()[0].Completed {
		t.Error("Expected todo to be completed")
	}

	out, err := runCLI(t, "", "-o", "yaml", "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats model.Stats
	if err := yaml.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("Output is not YAML: %v\n%s", err, out)
	}
	want := model.Stats{Total: 2, Completed: 1, Pending: 1, HighPriority: 1, MediumPriority: 1}
	if stats != want {
		t.Errorf("Expected %+v, got %+v", want, stats)
	}
}

func TestRemove(t *testing.T) {
	srv, _ := setupCLI(t)
	seeded := srv.Seed(model.Todo{Title: "Buy milk"}, model.Todo{Title: "Pay rent"})
	login(t)

	out, err := runCLI(t, "", "rm", seeded[0].ID.String(), "404")
	if err == nil {
		t.Error("Expected error for the missing todo")
	}
	if !strings.Contains(out, "Deleted todo "+seeded[0].ID.String()) {
		t.Errorf("Unexpected output %q", out)
	}
	if todos := srv.Todos(); len(todos) != 1 || todos[0].Title != "Pay rent" {
		t.Errorf("Expected only Pay rent left, got %+v", todos)
	}
}

func TestRemindOnce(t *testing.T) {
	srv, dir := setupCLI(t)
	due := time.Now().Add(-2 * time.Hour)
	srv.Seed(
		model.Todo{
			Title: "Buy milk",
			Due: model.Due{
				Date:     ptr(due.Format(duetime.DateLayout)),
				DateTime: ptr(due.Format(duetime.WireLayout)),
			},
		},
		model.Todo{Title: "Someday"},
	)
	login(t)

	out, err := runCLI(t, "", "remind")
	if err != nil {
		t.Fatalf("remind failed: %v", err)
	}
	if !strings.Contains(out, "Reminder: Buy milk") {
		t.Errorf("Expected a reminder, got %q", out)
	}
	if strings.Contains(out, "Someday") {
		t.Errorf("Todo without deadline must not be reminded, got %q", out)
	}

	out, err = runCLI(t, "", "remind")
	if err != nil {
		t.Fatalf("remind failed: %v", err)
	}
	if out != "" {
		t.Errorf("Expected no repeated reminder, got %q", out)
	}

	table, err := reminder.Open(filepath.Join(dir, reminder.File))
	if err != nil {
		t.Fatalf("reminder.Open failed: %v", err)
	}
	if len(table.Entries) != 1 {
		t.Errorf("Expected 1 tracked todo, got %d", len(table.Entries))
	}
}

func TestRemindAndImportSeeEveryPage(t *testing.T) {
	srv, dir := setupCLI(t)
	srv.Paginate = true
	srv.PageSize = 1
	due := time.Now().Add(-2 * time.Hour)
	dated := model.Due{
		Date:     ptr(due.Format(duetime.DateLayout)),
		DateTime: ptr(due.Format(duetime.WireLayout)),
	}
	srv.Seed(
		model.Todo{Title: "Buy milk", Due: dated},
		model.Todo{Title: "Pay rent", Due: dated},
	)
	login(t)

	// 1. Both todos are reminded although each sits on its own page.
	out, err := runCLI(t, "", "remind")
	if err != nil {
		t.Fatalf("remind failed: %v", err)
	}
	if !strings.Contains(out, "Reminder: Buy milk") || !strings.Contains(out, "Reminder: Pay rent") {
		t.Errorf("Expected reminders for both pages, got %q", out)
	}

	// 2. Import skips a title found only on the second page.
	path := filepath.Join(dir, "errands.org")
	if err := os.WriteFile(path, []byte("* TODO Buy milk\n* TODO Pay rent\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "", "import", path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, "Imported 0, skipped 2") || len(srv.Todos()) != 2 {
		t.Errorf("Expected both titles skipped, got %q", out)
	}
}

func TestImportOrgFile(t *testing.T) {
	srv, dir := setupCLI(t)
	srv.Seed(model.Todo{Title: "Pay rent"})
	login(t)

	path := filepath.Join(dir, "errands.org")
	org := "* TODO [#A] Buy milk :home:\n  DEADLINE: <2024-05-01 Wed 14:30>\n* DONE Pay rent\n"
	if err := os.WriteFile(path, []byte(org), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "", "import", "--dry-run", path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, "Would import 1, skipped 1") || len(srv.Todos()) != 1 {
		t.Errorf("Expected a dry run, got %q", out)
	}

	if _, err := runCLI(t, "", "import", path); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	todos := srv.Todos()
	if len(todos) != 2 {
		t.Fatalf("Expected 2 todos, got %+v", todos)
	}
	milk := todos[1]
	if milk.Title != "Buy milk" || milk.Priority != model.PriorityHigh {
		t.Errorf("Unexpected imported todo %+v", milk)
	}
	if milk.Due.DateTime == nil || *milk.Due.DateTime != "2024-05-01T14:30:00-05:00" {
		t.Errorf("Expected deadline in the configured zone, got %v", milk.Due.DateTime)
	}
}

func TestConfigCommands(t *testing.T) {
	_, dir := setupCLI(t)

	if _, err := runCLI(t, "", "config", "set", "timezone", "Europe/Berlin"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := runCLI(t, "", "config", "get", "timezone")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if strings.TrimSpace(out) != "Europe/Berlin" {
		t.Errorf("Expected Europe/Berlin, got %q", out)
	}

	if _, err := runCLI(t, "", "config", "set", "timezone", "Mars/Olympus"); err == nil {
		t.Error("Expected error for unknown zone")
	}
	if _, err := runCLI(t, "", "config", "set", "colour", "red"); err == nil {
		t.Error("Expected error for unknown key")
	}

	// Flag overrides show up but are not saved.
	out, err = runCLI(t, "", "--timezone", "UTC", "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, `timezone = "UTC"`) {
		t.Errorf("Expected override in output, got:\n%s", out)
	}
	saved, err := config.LoadFile(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if saved.Timezone != "Europe/Berlin" {
		t.Errorf("Expected saved timezone Europe/Berlin, got %s", saved.Timezone)
	}
}

func TestMetricsFile(t *testing.T) {
	srv, dir := setupCLI(t)
	srv.Seed(model.Todo{Title: "Buy milk"})
	login(t)

	path := filepath.Join(dir, "todo.prom")
	if _, err := runCLI(t, "", "--metrics-file", path, "list"); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected metrics file: %v", err)
	}
	for _, want := range []string{"todo_api_requests_total", "todo_store_cached_todos 1"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Expected metrics to contain %q, got:\n%s", want, data)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Buy milk", "Buy milk"},
		{"Buy\nmilk", "Buy milk"},
		{strings.Repeat("a", 12), "aaaaaaa..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, 10); got != tt.want {
			t.Errorf("truncate(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

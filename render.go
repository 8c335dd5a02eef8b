package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/harrisonrobin/todo/pkg/model"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

const titleMaxWidth = 40

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	borderStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	overdueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	priorityStyles = map[model.Priority]lipgloss.Style{
		model.PriorityHigh:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		model.PriorityMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		model.PriorityLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	}
)

// encode writes v in a structured format, reporting whether it did.
func (a *app) encode(w io.Writer, v any) (bool, error) {
	switch a.flags.output {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case formatTable, "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q (want %s, %s or %s)", a.flags.output, formatTable, formatJSON, formatYAML)
}

// dueText renders the deadline of todo in the configured zone.
func (a *app) dueText(todo model.Todo) string {
	entry, err := a.codec.Decode(todo.Due)
	if err != nil {
		a.logger.Debug("undecodable due value", "id", todo.ID, "err", err)
		return "invalid date"
	}
	return entry.String()
}

func (a *app) renderTodos(w io.Writer, todos []model.Todo) error {
	if todos == nil {
		todos = []model.Todo{}
	}
	if ok, err := a.encode(w, todos); ok {
		return err
	}
	if len(todos) == 0 {
		_, err := fmt.Fprintln(w, "No todos found.")
		return err
	}

	rows := make([][]string, 0, len(todos))
	for _, todo := range todos {
		rows = append(rows, []string{
			todo.ID.String(),
			status(todo),
			truncate(todo.Title, titleMaxWidth),
			string(todo.Priority),
			a.dueText(todo),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("ID", "", "TITLE", "PRIORITY", "DUE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(todos) {
				return cellStyle
			}
			todo := todos[row]
			switch {
			case col == 3:
				if style, ok := priorityStyles[todo.Priority]; ok {
					return style.Padding(0, 1)
				}
			case todo.Completed:
				return completedStyle.Padding(0, 1)
			case todo.IsOverdue && col == 4:
				return overdueStyle.Padding(0, 1)
			}
			return cellStyle
		})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func (a *app) renderTodo(w io.Writer, todo model.Todo) error {
	if ok, err := a.encode(w, todo); ok {
		return err
	}

	description := ""
	if todo.Description != nil {
		description = *todo.Description
	}
	fields := [][2]string{
		{"ID", todo.ID.String()},
		{"Title", todo.Title},
		{"Priority", string(todo.Priority)},
		{"Status", statusWord(todo)},
		{"Due", a.dueText(todo)},
		{"Created", todo.CreatedAt.In(a.codec.Location()).Format("2006-01-02 15:04")},
	}
	if todo.UpdatedAt != nil {
		fields = append(fields, [2]string{"Updated", todo.UpdatedAt.In(a.codec.Location()).Format("2006-01-02 15:04")})
	}
	if description != "" {
		fields = append(fields, [2]string{"Notes", strings.ReplaceAll(description, "\n", "\n           ")})
	}

	label := lipgloss.NewStyle().Bold(true).Width(10)
	var b strings.Builder
	for _, field := range fields {
		b.WriteString(label.Render(field[0]+":") + " " + field[1] + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (a *app) renderStats(w io.Writer, stats model.Stats) error {
	if ok, err := a.encode(w, stats); ok {
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("TOTAL", "COMPLETED", "PENDING", "HIGH", "MEDIUM", "LOW").
		Row(
			strconv.Itoa(stats.Total),
			strconv.Itoa(stats.Completed),
			strconv.Itoa(stats.Pending),
			strconv.Itoa(stats.HighPriority),
			strconv.Itoa(stats.MediumPriority),
			strconv.Itoa(stats.LowPriority),
		).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func (a *app) renderUser(w io.Writer, user model.User) error {
	if ok, err := a.encode(w, user); ok {
		return err
	}
	label := lipgloss.NewStyle().Bold(true).Width(10)
	_, err := fmt.Fprintf(w, "%s %s\n%s %s\n%s %s\n",
		label.Render("ID:"), user.ID,
		label.Render("Username:"), user.Username,
		label.Render("Email:"), user.Email)
	return err
}

func status(todo model.Todo) string {
	switch {
	case todo.Completed:
		return "✓"
	case todo.IsOverdue:
		return "!"
	}
	return " "
}

func statusWord(todo model.Todo) string {
	switch {
	case todo.Completed:
		return "completed"
	case todo.IsOverdue:
		return "overdue"
	}
	return "pending"
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

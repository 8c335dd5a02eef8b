package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/BurntSushi/toml"
	"github.com/harrisonrobin/todo/pkg/auth"
	"github.com/harrisonrobin/todo/pkg/config"
	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/filter"
	"github.com/harrisonrobin/todo/pkg/google"
	"github.com/harrisonrobin/todo/pkg/index"
	"github.com/harrisonrobin/todo/pkg/model"
	"github.com/harrisonrobin/todo/pkg/orgmode"
	"github.com/harrisonrobin/todo/pkg/reminder"
	"github.com/harrisonrobin/todo/pkg/store"
	"github.com/spf13/cobra"
)

// PasswordEnv supplies the login password non-interactively.
const PasswordEnv = "TODO_PASSWORD"

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "todo",
		Short:        "Manage todos and mirror them into Google Calendar",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.flags.baseURL, "base-url", "", "API root URL (overrides config)")
	flags.StringVar(&a.flags.timezone, "timezone", "", "IANA zone for due times (overrides config)")
	flags.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVarP(&a.flags.output, "output", "o", formatTable, "output format: table, json, yaml")
	flags.StringVar(&a.flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(
		loginCmd(a),
		registerCmd(a),
		whoamiCmd(a),
		logoutCmd(a),
		listCmd(a),
		showCmd(a),
		addCmd(a),
		editCmd(a),
		rmCmd(a),
		toggleCmd(a),
		statsCmd(a),
		importCmd(a),
		remindCmd(a),
		calendarCmd(a),
		configCmd(a),
	)
	return root
}

func loginCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store API tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			if password == "" {
				password = os.Getenv(PasswordEnv)
			}
			if password == "" {
				line, err := prompt(cmd, bufio.NewReader(cmd.InOrStdin()), "Password: ")
				if err != nil {
					return err
				}
				password = line
			}

			tok, err := auth.Login(cmd.Context(), a.plainClient(), a.cfg.BaseURL, username, password)
			if err != nil {
				return err
			}
			if err := auth.SaveToken(a.tokenPath(), tok); err != nil {
				return err
			}
			a.logger.Debug("saved token", "path", a.tokenPath(), "expiry", tok.Expiry)
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVar(&password, "password", "", "account password (default: $"+PasswordEnv+" or stdin)")
	return cmd
}

// prompt writes label to stderr and reads one line from in.
func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(strings.TrimSuffix(label, ": ")), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func registerCmd(a *app) *cobra.Command {
	var reg auth.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store its API tokens",
		Long: `Create an account and log in as it.

The password is taken from --password, then $` + PasswordEnv + `, then read
twice from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reg.Password == "" {
				reg.Password = os.Getenv(PasswordEnv)
			}
			if reg.Password != "" {
				reg.Confirm = reg.Password
			} else {
				in := bufio.NewReader(cmd.InOrStdin())
				var err error
				if reg.Password, err = prompt(cmd, in, "Password: "); err != nil {
					return err
				}
				if reg.Confirm, err = prompt(cmd, in, "Confirm password: "); err != nil {
					return err
				}
			}

			tok, user, err := auth.Register(cmd.Context(), a.plainClient(), a.cfg.BaseURL, reg)
			if err != nil {
				return err
			}
			if err := auth.SaveToken(a.tokenPath(), tok); err != nil {
				return err
			}
			a.logger.Debug("saved token", "path", a.tokenPath(), "user_id", user.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Registered and logged in as %s\n", user.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reg.Username, "username", "u", "", "account username")
	cmd.Flags().StringVar(&reg.Email, "email", "", "account email address")
	cmd.Flags().StringVar(&reg.Password, "password", "", "account password (default: $"+PasswordEnv+" or stdin)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")
	return cmd
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.apiClient(cmd.Context())
			if err != nil {
				return err
			}
			user, err := client.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			return a.renderUser(cmd.OutOrStdout(), user)
		},
	}
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored API tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := os.Remove(a.tokenPath())
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to remove token file: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var search, completed, priority, sortBy string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List todos",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state := filter.State{Search: search}

			var err error
			if state.Completed, err = filter.ParseTriState(completed); err != nil {
				return err
			}
			if priority != "" {
				if state.Priority, err = model.ParsePriority(priority); err != nil {
					return err
				}
			}
			if sortBy != "" {
				if state.SortBy, err = filter.ParseSortKey(sortBy); err != nil {
					return err
				}
			}

			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.List(cmd.Context(), state); err != nil {
				return err
			}
			return a.renderTodos(cmd.OutOrStdout(), s.Todos())
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "only todos whose title or description contains this text")
	cmd.Flags().StringVar(&completed, "completed", "", "filter by completion: all, done, pending")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "filter by priority: low, medium, high")
	cmd.Flags().StringVar(&sortBy, "sort", "", "sort order: "+sortKeyNames())
	return cmd
}

func sortKeyNames() string {
	names := make([]string, len(filter.SortKeys))
	for i, key := range filter.SortKeys {
		names[i] = string(key)
	}
	return strings.Join(names, ", ")
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			todo, err := s.Get(cmd.Context(), model.ID(args[0]))
			if err != nil {
				return err
			}
			return a.renderTodo(cmd.OutOrStdout(), todo)
		},
	}
}

// dueFlags are the deadline flags shared by add and edit.
type dueFlags struct {
	date   string
	at     string
	clear  bool
	noTime bool
}

func (f *dueFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.date, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.at, "at", "", "due time of day (HH:MM), requires a due date")
}

func (f *dueFlags) changed(cmd *cobra.Command) bool {
	for _, name := range []string{"due", "at", "clear-due", "no-time"} {
		if flag := cmd.Flags().Lookup(name); flag != nil && flag.Changed {
			return true
		}
	}
	return false
}

// apply overlays the flags on base.
func (f *dueFlags) apply(base duetime.Entry) (duetime.Entry, error) {
	if f.clear {
		return duetime.Entry{}, nil
	}
	entry := base
	if f.date != "" {
		date, err := duetime.ParseDate(f.date)
		if err != nil {
			return duetime.Entry{}, fmt.Errorf("--due: %w", err)
		}
		entry.Date = &date
	}
	if f.noTime {
		entry.Time = nil
	}
	if f.at != "" {
		t, err := parseClock(f.at)
		if err != nil {
			return duetime.Entry{}, err
		}
		entry.Time = &t
	}
	if entry.Time != nil && entry.Date == nil {
		return duetime.Entry{}, duetime.ErrTimeWithoutDate
	}
	return entry, nil
}

func parseClock(s string) (civil.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return civil.Time{}, fmt.Errorf("--at: invalid time %q, want HH:MM", s)
	}
	return civil.TimeOf(t), nil
}

func addCmd(a *app) *cobra.Command {
	var (
		description string
		priority    string
		due         dueFlags
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a todo",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			form := store.Form{
				Title:       strings.Join(args, " "),
				Description: description,
			}
			if priority != "" {
				p, err := model.ParsePriority(priority)
				if err != nil {
					return err
				}
				form.Priority = p
			}
			entry, err := due.apply(duetime.Entry{})
			if err != nil {
				return err
			}
			form.Due = entry

			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			todo, err := s.Create(cmd.Context(), form)
			if err != nil {
				return err
			}
			return a.renderTodo(cmd.OutOrStdout(), todo)
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "longer notes")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "low, medium or high (default medium)")
	due.register(cmd)
	return cmd
}

func editCmd(a *app) *cobra.Command {
	var (
		title       string
		description string
		priority    string
		completed   bool
		full        bool
		due         dueFlags
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a todo",
		Long: `Change the fields given as flags and leave the rest alone.

With --full the todo is fetched and sent back as a complete replacement.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := model.ID(args[0])
			changed := func(name string) bool { return cmd.Flags().Changed(name) }

			var prio model.Priority
			if changed("priority") {
				p, err := model.ParsePriority(priority)
				if err != nil {
					return err
				}
				prio = p
			}

			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// 1. Full replacement starts from the current server state
			if full {
				current, err := s.Get(ctx, id)
				if err != nil {
					return err
				}
				form, err := s.FormOf(current)
				if err != nil {
					return err
				}
				if changed("title") {
					form.Title = title
				}
				if changed("description") {
					form.Description = description
				}
				if changed("priority") {
					form.Priority = prio
				}
				if changed("completed") {
					form.Completed = &completed
				}
				if form.Due, err = due.apply(form.Due); err != nil {
					return err
				}
				todo, err := s.Update(ctx, id, form)
				if err != nil {
					return err
				}
				return a.renderTodo(cmd.OutOrStdout(), todo)
			}

			// 2. Otherwise send only what changed
			var patch store.Patch
			if changed("title") {
				patch.Title = &title
			}
			if changed("description") {
				patch.Description = &description
			}
			if changed("priority") {
				patch.Priority = &prio
			}
			if changed("completed") {
				patch.Completed = &completed
			}
			if due.changed(cmd) {
				base := duetime.Entry{}
				if !due.clear {
					current, err := s.Get(ctx, id)
					if err != nil {
						return err
					}
					form, err := s.FormOf(current)
					if err != nil {
						return err
					}
					base = form.Due
				}
				entry, err := due.apply(base)
				if err != nil {
					return err
				}
				patch.Due = &entry
			}
			todo, err := s.Patch(ctx, id, patch)
			if err != nil {
				return err
			}
			return a.renderTodo(cmd.OutOrStdout(), todo)
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "low, medium or high")
	cmd.Flags().BoolVar(&completed, "completed", false, "mark completed (--completed=false to reopen)")
	cmd.Flags().BoolVar(&full, "full", false, "send a full replacement instead of a partial update")
	cmd.Flags().BoolVar(&due.clear, "clear-due", false, "remove the deadline")
	cmd.Flags().BoolVar(&due.noTime, "no-time", false, "keep the due date but drop the time of day")
	due.register(cmd)
	cmd.MarkFlagsMutuallyExclusive("clear-due", "due")
	cmd.MarkFlagsMutuallyExclusive("clear-due", "at")
	return cmd
}

func rmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete todos",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			var errs []error
			for _, arg := range args {
				if err := s.Delete(cmd.Context(), model.ID(arg)); err != nil {
					errs = append(errs, fmt.Errorf("todo %s: %w", arg, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted todo %s\n", arg)
			}
			return errors.Join(errs...)
		},
	}
}

func toggleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip the completed state of a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			todo, err := s.ToggleComplete(cmd.Context(), model.ID(args[0]))
			if err != nil {
				return err
			}
			return a.renderTodo(cmd.OutOrStdout(), todo)
		},
	}
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show todo counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			s.RefreshStats(cmd.Context())
			stats := s.Stats()
			if stats == nil {
				return errors.New("stats are unavailable, see the log for details")
			}
			return a.renderStats(cmd.OutOrStdout(), *stats)
		},
	}
}

// listAll fetches every todo. Reminder and calendar state is reconciled
// against the complete list.
func (a *app) listAll(cmd *cobra.Command) ([]model.Todo, error) {
	s, err := a.todoStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	if err := s.List(cmd.Context(), filter.State{}); err != nil {
		return nil, err
	}
	return s.Todos(), nil
}

func importCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.org>...",
		Short: "Create todos from Org-mode TODO headlines",
		Long: `Create a todo for every TODO and DONE headline in the given Org files.
Headlines whose title matches an existing todo are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forms, err := orgmode.ParseFiles(args)
			if err != nil {
				return err
			}
			existing, err := a.listAll(cmd)
			if err != nil {
				return err
			}
			titles := make(map[string]bool, len(existing))
			for _, todo := range existing {
				titles[todo.Title] = true
			}

			s, err := a.todoStore(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			created, skipped := 0, 0
			for _, form := range forms {
				if titles[strings.TrimSpace(form.Title)] {
					skipped++
					continue
				}
				if dryRun {
					if _, err := s.Draft(form); err != nil {
						return fmt.Errorf("%q: %w", form.Title, err)
					}
					fmt.Fprintf(out, "Would create %q\n", form.Title)
					created++
					continue
				}
				todo, err := s.Create(cmd.Context(), form)
				if err != nil {
					return fmt.Errorf("%q: %w", form.Title, err)
				}
				titles[todo.Title] = true
				a.logger.Debug("imported todo", "id", todo.ID, "title", todo.Title)
				created++
			}
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Fprintf(out, "%s %d, skipped %d\n", verb, created, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print what would be created")
	return cmd
}

func remindCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Print reminders for todos that are due or overdue",
		Long: `Print a reminder once when a todo falls due and a follow-up once
it has been overdue for a day. Run it periodically, e.g. from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			todos, err := a.listAll(cmd)
			if err != nil {
				return err
			}

			table, err := reminder.Open(filepath.Join(a.dir, reminder.File))
			if err != nil {
				return err
			}
			if err := table.Sync(todos); err != nil {
				a.logger.Warn("some todos were skipped", "err", err)
			}

			out := cmd.OutOrStdout()
			for _, notice := range table.Sweep(time.Now()) {
				fmt.Fprintf(out, "%s\n%s\n\n", notice.Subject(), notice.Body(a.codec.Location()))
			}

			if dryRun {
				return nil
			}
			return table.Save()
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "do not record reminders as sent")
	return cmd
}

func calendarCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Mirror todos into Google Calendar",
	}

	var force bool
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to Google Calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				path := filepath.Join(a.dir, auth.GoogleTokenFile)
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to remove token file: %w", err)
				}
			}
			if _, err := auth.GoogleClient(cmd.Context(), a.dir, auth.CalendarScopes, a.logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Google Calendar authorized")
			return nil
		},
	}
	authCmd.Flags().BoolVar(&force, "force", false, "discard the stored Google token and authorize again")

	var recheck bool
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Create, update and remove calendar events to match the todos",
		Long: `Create, update and remove calendar events to match the todos.

Todos that did not change since the last sync are skipped. Use --recheck
to compare every event, e.g. after editing events in the calendar.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			todos, err := a.listAll(cmd)
			if err != nil {
				return err
			}

			hc, err := auth.GoogleClient(ctx, a.dir, auth.CalendarScopes, a.logger)
			if err != nil {
				return err
			}
			idx, err := index.Open(filepath.Join(a.dir, index.File))
			if err != nil {
				return err
			}
			client, err := google.NewClient(ctx, hc, a.cfg.Calendar, idx, a.logger)
			if err != nil {
				return err
			}
			client.Recheck = recheck

			result, err := client.SyncAll(ctx, todos)
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, unchanged %d, removed %d, failed %d\n", result.Synced, result.Unchanged, result.Removed, result.Failed)
			return err
		},
	}
	syncCmd.Flags().BoolVar(&recheck, "recheck", false, "compare every event even if its todo did not change")

	cmd.AddCommand(authCmd, syncCmd)
	return cmd
}

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}

	// The file is read again so flag overrides are never persisted.
	fileConfig := func() (string, *config.Config, error) {
		path, err := config.Path()
		if err != nil {
			return "", nil, err
		}
		cfg, err := config.LoadFile(path)
		return path, cfg, err
	}

	showConfigCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(a.cfg)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := a.cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting in config.toml",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := fileConfig()
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := config.SaveFile(path, cfg); err != nil {
				return err
			}
			a.logger.Debug("saved config", "path", path, "key", args[0])
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.AddCommand(showConfigCmd, getCmd, setCmd, pathCmd)
	return cmd
}

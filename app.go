package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/todo/pkg/api"
	"github.com/harrisonrobin/todo/pkg/auth"
	"github.com/harrisonrobin/todo/pkg/config"
	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/metrics"
	"github.com/harrisonrobin/todo/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// errNotLoggedIn is returned when no API token has been saved.
var errNotLoggedIn = errors.New("not logged in, run `todo login` first")

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	baseURL     string
	timezone    string
	logLevel    string
	output      string
	metricsFile string
}

// app holds what the commands share for a single invocation.
type app struct {
	flags globalFlags

	dir      string
	cfg      *config.Config
	logger   *log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	codec    *duetime.Codec
	timeout  time.Duration

	store *store.Store
}

// setup loads the config and applies flag overrides. It runs before every
// command.
func (a *app) setup(cmd *cobra.Command) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	a.dir = dir

	switch a.flags.output {
	case formatTable, formatJSON, formatYAML:
	default:
		return fmt.Errorf("unknown output format %q (want %s, %s or %s)", a.flags.output, formatTable, formatJSON, formatYAML)
	}

	path, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	overrides := map[string]string{
		"base_url":  a.flags.baseURL,
		"timezone":  a.flags.timezone,
		"log_level": a.flags.logLevel,
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := cfg.Set(key, value); err != nil {
			return fmt.Errorf("--%s: %w", flagName(key), err)
		}
	}
	a.cfg = cfg

	level, _ := cfg.Level()
	a.logger = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Level:  level,
		Prefix: "todo",
	})

	loc, _ := cfg.Location()
	mode, _ := cfg.Mode()
	a.codec = duetime.NewCodec(duetime.Fixed(loc), mode)
	a.timeout, _ = cfg.RequestTimeout()

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	return nil
}

func flagName(key string) string {
	switch key {
	case "base_url":
		return "base-url"
	case "log_level":
		return "log-level"
	}
	return key
}

// teardown closes the store and writes the metrics file if asked to.
func (a *app) teardown() error {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.flags.metricsFile != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.flags.metricsFile, a.registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func (a *app) tokenPath() string {
	return filepath.Join(a.dir, auth.TokenFile)
}

// transport is the instrumented base transport for API calls.
func (a *app) transport() http.RoundTripper {
	return a.metrics.InstrumentRoundTripper(http.DefaultTransport)
}

// plainClient makes unauthenticated API calls (login and refresh).
func (a *app) plainClient() *http.Client {
	return &http.Client{Transport: a.transport(), Timeout: a.timeout}
}

// apiClient returns an API client authenticated with the saved token.
func (a *app) apiClient(ctx context.Context) (*api.Client, error) {
	tok, err := auth.LoadToken(a.tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotLoggedIn
	}
	if err != nil {
		return nil, err
	}

	src := auth.TokenSource(ctx, a.plainClient(), a.cfg.BaseURL, tok)
	src = auth.SavingTokenSource(src, a.tokenPath(), tok, a.logger)
	hc := auth.HTTPClient(src, a.transport(), a.timeout)

	return api.NewClient(a.cfg.BaseURL,
		api.WithHTTPClient(hc),
		api.WithLogger(a.logger),
		api.WithUserAgent("todo-cli/"+version),
	)
}

// todoStore returns the store for this invocation, creating it on first use.
func (a *app) todoStore(ctx context.Context) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	client, err := a.apiClient(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store.New(client,
		store.WithLogger(a.logger),
		store.WithCodec(a.codec),
		store.WithMetrics(a.metrics),
	)
	return a.store, nil
}

// Package api is a client for the todo REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/harrisonrobin/todo/pkg/filter"
	"github.com/harrisonrobin/todo/pkg/model"
)

// DefaultBaseURL is where the development server serves the API.
const DefaultBaseURL = "http://localhost:8000/api"

const todosPath = "/todos/"

// Client talks to the todo API. Authentication is the job of the
// *http.Client it is given (see the auth package).
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *log.Logger
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger requests are traced to at debug level.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL:    u,
		httpClient: http.DefaultClient,
		logger:     log.Default(),
		userAgent:  "todo-cli",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// maxPages bounds how many pages List follows.
const maxPages = 1000

// List fetches todos matching params. The server may answer with a bare
// array or a paginated envelope with "results" and "next" fields; List
// follows "next" until it is null and returns every page.
func (c *Client) List(ctx context.Context, params filter.Params) ([]model.Todo, error) {
	u := c.resolve(todosPath)
	if q := params.Values(); len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	all := []model.Todo{}
	seen := map[string]bool{}
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("todo list has more than %d pages", maxPages)
		}
		seen[u.String()] = true

		var raw json.RawMessage
		if err := c.send(ctx, http.MethodGet, u, nil, &raw); err != nil {
			return nil, err
		}
		todos, next, err := decodeList(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, todos...)
		if next == "" {
			return all, nil
		}

		nextURL, err := c.baseURL.Parse(next)
		if err != nil {
			return nil, fmt.Errorf("invalid next page url %q: %w", next, err)
		}
		// The bearer token must not leave the API host.
		if nextURL.Scheme != c.baseURL.Scheme || nextURL.Host != c.baseURL.Host {
			return nil, fmt.Errorf("next page url %q is not on %s", next, c.baseURL.Host)
		}
		if seen[nextURL.String()] {
			return nil, fmt.Errorf("todo list pages loop at %q", next)
		}
		u = *nextURL
	}
}

// decodeList decodes one list response and returns the next page url, if
// any.
func decodeList(raw json.RawMessage) ([]model.Todo, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []model.Todo{}, "", nil
	}

	if trimmed[0] == '[' {
		var todos []model.Todo
		if err := json.Unmarshal(trimmed, &todos); err != nil {
			return nil, "", fmt.Errorf("failed to decode todo list: %w", err)
		}
		return todos, "", nil
	}

	var page struct {
		Results []model.Todo `json:"results"`
		Next    *string      `json:"next"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, "", fmt.Errorf("failed to decode todo page: %w", err)
	}
	next := ""
	if page.Next != nil {
		next = *page.Next
	}
	if page.Results == nil {
		return []model.Todo{}, next, nil
	}
	return page.Results, next, nil
}

// Get fetches one todo.
func (c *Client) Get(ctx context.Context, id model.ID) (model.Todo, error) {
	var todo model.Todo
	err := c.do(ctx, http.MethodGet, todoPath(id), nil, nil, &todo)
	return todo, err
}

// Create creates a todo and returns the server's copy.
func (c *Client) Create(ctx context.Context, draft model.Draft) (model.Todo, error) {
	var todo model.Todo
	err := c.do(ctx, http.MethodPost, todosPath, nil, draft, &todo)
	return todo, err
}

// Update replaces every writable field of a todo.
func (c *Client) Update(ctx context.Context, id model.ID, draft model.Draft) (model.Todo, error) {
	var todo model.Todo
	err := c.do(ctx, http.MethodPut, todoPath(id), nil, draft, &todo)
	return todo, err
}

// Patch updates the fields set in patch.
func (c *Client) Patch(ctx context.Context, id model.ID, patch model.Patch) (model.Todo, error) {
	var todo model.Todo
	err := c.do(ctx, http.MethodPatch, todoPath(id), nil, patch, &todo)
	return todo, err
}

// Delete deletes a todo.
func (c *Client) Delete(ctx context.Context, id model.ID) error {
	return c.do(ctx, http.MethodDelete, todoPath(id), nil, nil, nil)
}

// ToggleComplete flips the completed flag of a todo.
func (c *Client) ToggleComplete(ctx context.Context, id model.ID) (model.Todo, error) {
	var todo model.Todo
	err := c.do(ctx, http.MethodPatch, todoPath(id)+"toggle_complete/", nil, nil, &todo)
	return todo, err
}

// Stats fetches the aggregate counts.
func (c *Client) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	err := c.do(ctx, http.MethodGet, todosPath+"stats/", nil, nil, &stats)
	return stats, err
}

// CurrentUser fetches the account the client is authenticated as.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	var user model.User
	err := c.do(ctx, http.MethodGet, "/auth/user/", nil, nil, &user)
	return user, err
}

// todoPath returns the escaped path of a todo. Ids are opaque, so a slash
// or question mark in one stays inside its path segment.
func todoPath(id model.ID) string {
	return todosPath + url.PathEscape(id.String()) + "/"
}

// Endpoint returns the absolute URL of path under the API root.
func (c *Client) Endpoint(path string) string {
	u := c.resolve(path)
	return u.String()
}

// resolve joins an escaped path onto the API root.
func (c *Client) resolve(escaped string) url.URL {
	u := *c.baseURL
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		unescaped = escaped
	}
	u.Path = c.baseURL.Path + unescaped
	u.RawPath = c.baseURL.EscapedPath() + escaped
	return u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.resolve(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return c.send(ctx, method, u, body, out)
}

func (c *Client) send(ctx context.Context, method string, u url.URL, body, out any) error {
	path := u.EscapedPath()
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request", "method", method, "path", path, "query", u.RawQuery, "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

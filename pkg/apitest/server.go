// Package apitest runs an in-memory stand-in for the todo API in tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/model"
)

// Prefix is the path the API is mounted under.
const Prefix = "/api"

// Request is a request the server received.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Header http.Header
}

type record struct {
	id   int
	todo model.Todo
}

type failure struct {
	method string
	path   string
	status int
	body   string
}

// Server fakes the todo API. Configure the exported fields before issuing
// requests.
type Server struct {
	*httptest.Server

	// Username, Password and Email are the account that exists from the
	// start. Registered accounts are added to it.
	Username string
	Password string
	Email    string
	// RequireAuth rejects todo requests without a valid bearer token.
	RequireAuth bool
	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration
	// Paginate wraps list responses in a {"count", "next", "previous",
	// "results"} envelope.
	Paginate bool
	// PageSize splits paginated lists into pages of this many todos, linked
	// through absolute "next" and "previous" urls. Zero serves one page.
	PageSize int
	// Now is the server clock.
	Now func() time.Time

	secret []byte

	mu        sync.Mutex
	records   []*record
	nextID    int
	created   time.Time
	requests  []Request
	failures  []failure
	refreshes int
	accounts  []account
}

type account struct {
	id       int
	username string
	email    string
	password string
}

// NewServer starts a fake API that is closed when t finishes.
func NewServer(t testing.TB) *Server {
	s := &Server{
		Username:  "alice",
		Password:  "secret",
		Email:     "alice@example.com",
		AccessTTL: 5 * time.Minute,
		Now:       time.Now,
		secret:    []byte(uuid.NewString()),
		nextID:    1,
		created:   time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+Prefix+"/auth/login/{$}", s.handleLogin)
	mux.HandleFunc("POST "+Prefix+"/auth/refresh/{$}", s.handleRefresh)
	mux.HandleFunc("POST "+Prefix+"/auth/register/{$}", s.handleRegister)
	mux.HandleFunc("GET "+Prefix+"/auth/user/{$}", s.handleUser)
	mux.HandleFunc("GET "+Prefix+"/todos/{$}", s.authed(s.handleList))
	mux.HandleFunc("POST "+Prefix+"/todos/{$}", s.authed(s.handleCreate))
	mux.HandleFunc("GET "+Prefix+"/todos/stats/{$}", s.authed(s.handleStats))
	mux.HandleFunc("GET "+Prefix+"/todos/{id}/{$}", s.authed(s.handleGet))
	mux.HandleFunc("PUT "+Prefix+"/todos/{id}/{$}", s.authed(s.handleUpdate))
	mux.HandleFunc("PATCH "+Prefix+"/todos/{id}/{$}", s.authed(s.handlePatch))
	mux.HandleFunc("DELETE "+Prefix+"/todos/{id}/{$}", s.authed(s.handleDelete))
	mux.HandleFunc("PATCH "+Prefix+"/todos/{id}/toggle_complete/{$}", s.authed(s.handleToggle))

	s.Server = httptest.NewServer(s.record(mux))
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the API root to hand to api.NewClient.
func (s *Server) BaseURL() string {
	return s.URL + Prefix
}

// Seed stores todos, assigning ids and creation times, and returns the
// stored copies.
func (s *Server) Seed(todos ...model.Todo) []model.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Todo, 0, len(todos))
	for _, todo := range todos {
		rec := s.insertLocked(todo)
		out = append(out, s.viewLocked(rec))
	}
	return out
}

// Todos returns the stored todos in creation order.
func (s *Server) Todos() []model.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Todo, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.viewLocked(rec))
	}
	return out
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LastRequest returns the most recent request with method whose path ends
// in suffix.
func (s *Server) LastRequest(method, suffix string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		r := s.requests[i]
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			return r, true
		}
	}
	return Request{}, false
}

// Fail makes the next request with method and path (relative to the API
// root) answer status with body.
func (s *Server) Fail(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, path: Prefix + path, status: status, body: body})
}

// Refreshes counts successful token refreshes.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   body,
			Header: r.Header.Clone(),
		})
		for i, f := range s.failures {
			if f.method == r.Method && f.path == r.URL.Path {
				s.failures = append(s.failures[:i], s.failures[i+1:]...)
				s.mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.status)
				io.WriteString(w, f.body)
				return
			}
		}
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RequireAuth {
			if _, ok := s.bearer(w, r); !ok {
				return
			}
		}
		h(w, r)
	}
}

// bearer checks the access token of r and answers 401 when it is missing
// or invalid.
func (s *Server) bearer(w http.ResponseWriter, r *http.Request) (*tokenClaims, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
		return nil, false
	}
	claims, err := s.parseToken(raw, "access")
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
		return nil, false
	}
	return claims, true
}

// accountsLocked lists the starting account followed by registered ones.
func (s *Server) accountsLocked() []account {
	return append([]account{{id: 1, username: s.Username, email: s.Email, password: s.Password}}, s.accounts...)
}

func (s *Server) findAccount(username string) (account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accountsLocked() {
		if acc.username == username {
			return acc, true
		}
	}
	return account{}, false
}

func (acc account) view() map[string]any {
	return map[string]any{"id": acc.id, "username": acc.username, "email": acc.email}
}

func (s *Server) tokens(username string) map[string]string {
	return map[string]string{
		"access":  s.issue("access", username, s.AccessTTL),
		"refresh": s.issue("refresh", username, 24*time.Hour),
	}
}

type tokenClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func (s *Server) issue(kind, subject string, ttl time.Duration) string {
	now := s.Now()
	claims := tokenClaims{
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("apitest: sign token: %v", err))
	}
	return signed
}

func (s *Server) parseToken(raw, kind string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.Now))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, fmt.Errorf("token type %q, want %q", claims.TokenType, kind)
	}
	return claims, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" || creds.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Username and password are required."})
		return
	}
	acc, ok := s.findAccount(creds.Username)
	if !ok || acc.password != creds.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": acc.view(), "tokens": s.tokens(acc.username)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		Password2 string `json:"password2"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error - " + err.Error()})
		return
	}

	fields := map[string][]string{}
	for name, value := range map[string]string{"username": body.Username, "email": body.Email, "password": body.Password, "password2": body.Password2} {
		if value == "" {
			fields[name] = []string{"This field is required."}
		}
	}
	if _, taken := s.findAccount(body.Username); taken && body.Username != "" {
		fields["username"] = []string{"A user with that username already exists."}
	}
	if body.Password != "" && len(body.Password) < 8 {
		fields["password"] = []string{"This password is too short. It must contain at least 8 characters."}
	} else if body.Password != body.Password2 && body.Password2 != "" {
		fields["password"] = []string{"Password fields didn't match."}
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, fields)
		return
	}

	s.mu.Lock()
	acc := account{id: len(s.accounts) + 2, username: body.Username, email: body.Email, password: body.Password}
	s.accounts = append(s.accounts, acc)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"user": acc.view(), "tokens": s.tokens(acc.username)})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.bearer(w, r)
	if !ok {
		return
	}
	acc, ok := s.findAccount(claims.Subject)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "User not found", "code": "user_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, acc.view())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {"This field is required."}})
		return
	}
	claims, err := s.parseToken(body.Refresh, "refresh")
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"access": s.issue("access", claims.Subject, s.AccessTTL)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	var out []*record
	for _, rec := range s.records {
		if c := q.Get("completed"); c != "" && rec.todo.Completed != (strings.ToLower(c) == "true") {
			continue
		}
		if p := q.Get("priority"); p != "" && string(rec.todo.Priority) != p {
			continue
		}
		if search := strings.ToLower(q.Get("search")); search != "" {
			desc := ""
			if rec.todo.Description != nil {
				desc = *rec.todo.Description
			}
			if !strings.Contains(strings.ToLower(rec.todo.Title), search) && !strings.Contains(strings.ToLower(desc), search) {
				continue
			}
		}
		out = append(out, rec)
	}
	sortRecords(out, q.Get("sort_by"))

	views := make([]wireTodo, 0, len(out))
	for _, rec := range out {
		views = append(views, s.wireLocked(rec))
	}
	s.mu.Unlock()

	if s.Paginate {
		s.writePage(w, r, views)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, views []wireTodo) {
	size := s.PageSize
	if size <= 0 {
		size = max(len(views), 1)
	}
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || (n-1)*size >= max(len(views), 1) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Invalid page."})
			return
		}
		page = n
	}

	link := func(n int) any {
		if n < 1 || (n-1)*size >= len(views) {
			return nil
		}
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(n))
		return "http://" + r.Host + r.URL.Path + "?" + q.Encode()
	}
	start := (page - 1) * size
	end := min(start+size, len(views))
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(views),
		"next":     link(page + 1),
		"previous": link(page - 1),
		"results":  views[start:end],
	})
}

func sortRecords(recs []*record, key string) {
	desc := strings.HasPrefix(key, "-")
	field := strings.TrimPrefix(key, "-")

	less := func(a, b *record) bool { return a.todo.CreatedAt.Before(b.todo.CreatedAt) }
	switch field {
	case "due_date":
		less = func(a, b *record) bool {
			ad, bd := deref(a.todo.Due.Date), deref(b.todo.Due.Date)
			if ad == "" || bd == "" {
				return ad != "" && bd == ""
			}
			return ad < bd
		}
	case "priority":
		less = func(a, b *record) bool { return a.todo.Priority < b.todo.Priority }
	case "created_at":
	default:
		desc = true
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if desc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var draft model.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error - " + err.Error()})
		return
	}
	if draft.Priority == "" {
		draft.Priority = model.PriorityMedium
	}
	if !s.validate(w, draft.Validate(), draft.Due) {
		return
	}

	todo := model.Todo{
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		Due:         draft.Due,
	}
	if draft.Completed != nil {
		todo.Completed = *draft.Completed
	}

	s.mu.Lock()
	rec := s.insertLocked(todo)
	view := s.wireLocked(rec)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findLocked(r.PathValue("id"))
	if rec == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, s.wireLocked(rec))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var draft model.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error - " + err.Error()})
		return
	}
	if draft.Priority == "" {
		draft.Priority = model.PriorityMedium
	}
	if !s.validate(w, draft.Validate(), draft.Due) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findLocked(r.PathValue("id"))
	if rec == nil {
		writeNotFound(w)
		return
	}
	rec.todo.Title = draft.Title
	rec.todo.Description = draft.Description
	rec.todo.Priority = draft.Priority
	rec.todo.Due = draft.Due
	if draft.Completed != nil {
		rec.todo.Completed = *draft.Completed
	}
	s.touchLocked(rec)
	writeJSON(w, http.StatusOK, s.wireLocked(rec))
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var patch model.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error - " + err.Error()})
		return
	}
	due := model.Due{}
	if patch.Due != nil {
		due = *patch.Due
	}
	if !s.validate(w, patch.Validate(), due) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findLocked(r.PathValue("id"))
	if rec == nil {
		writeNotFound(w)
		return
	}
	if patch.Title != nil {
		rec.todo.Title = *patch.Title
	}
	if patch.Description != nil {
		rec.todo.Description = patch.Description
	} else if patch.ClearDescription {
		rec.todo.Description = nil
	}
	if patch.Priority != nil {
		rec.todo.Priority = *patch.Priority
	}
	if patch.Completed != nil {
		rec.todo.Completed = *patch.Completed
	}
	if patch.Due != nil {
		rec.todo.Due = *patch.Due
	}
	s.touchLocked(rec)
	writeJSON(w, http.StatusOK, s.wireLocked(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.records {
		if strconv.Itoa(rec.id) == r.PathValue("id") {
			s.records = append(s.records[:i], s.records[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeNotFound(w)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findLocked(r.PathValue("id"))
	if rec == nil {
		writeNotFound(w)
		return
	}
	rec.todo.Completed = !rec.todo.Completed
	s.touchLocked(rec)
	writeJSON(w, http.StatusOK, s.wireLocked(rec))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats model.Stats
	for _, rec := range s.records {
		stats.Total++
		if rec.todo.Completed {
			stats.Completed++
		} else {
			stats.Pending++
		}
		switch rec.todo.Priority {
		case model.PriorityHigh:
			stats.HighPriority++
		case model.PriorityMedium:
			stats.MediumPriority++
		case model.PriorityLow:
			stats.LowPriority++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// validate writes a 400 for invalid input and reports whether the request
// may proceed.
func (s *Server) validate(w http.ResponseWriter, err error, due model.Due) bool {
	fields := map[string][]string{}
	if verr, ok := err.(*model.ValidationError); ok {
		for k, v := range verr.Fields {
			fields[k] = v
		}
	}
	if due.Date != nil && *due.Date != "" {
		if _, err := duetime.ParseDate(*due.Date); err != nil {
			fields["due_date"] = []string{"Date has wrong format. Use one of these formats instead: YYYY-MM-DD."}
		}
	}
	if due.DateTime != nil && *due.DateTime != "" {
		if _, err := duetime.ParseInstant(*due.DateTime); err != nil {
			fields["due_datetime"] = []string{"Datetime has wrong format."}
		}
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, fields)
		return false
	}
	return true
}

func (s *Server) insertLocked(todo model.Todo) *record {
	if todo.Priority == "" {
		todo.Priority = model.PriorityMedium
	}
	s.created = s.created.Add(time.Minute)
	todo.CreatedAt = s.created
	updated := s.created
	todo.UpdatedAt = &updated

	rec := &record{id: s.nextID, todo: todo}
	rec.todo.ID = model.ID(strconv.Itoa(rec.id))
	s.nextID++
	s.records = append(s.records, rec)
	return rec
}

func (s *Server) touchLocked(rec *record) {
	updated := s.Now().UTC()
	rec.todo.UpdatedAt = &updated
}

func (s *Server) findLocked(id string) *record {
	for _, rec := range s.records {
		if strconv.Itoa(rec.id) == id {
			return rec
		}
	}
	return nil
}

func (s *Server) viewLocked(rec *record) model.Todo {
	todo := rec.todo
	todo.IsOverdue = s.overdue(todo)
	return todo
}

// wireTodo serializes the id as a JSON number, as the real API does.
type wireTodo struct {
	ID int `json:"id"`
	model.Todo
}

func (s *Server) wireLocked(rec *record) wireTodo {
	return wireTodo{ID: rec.id, Todo: s.viewLocked(rec)}
}

func (s *Server) overdue(todo model.Todo) bool {
	if todo.Completed {
		return false
	}
	now := s.Now()
	if at, ok, err := duetime.Instant(todo.Due); err == nil && ok {
		return at.Before(now)
	}
	if todo.Due.Date != nil {
		if d, err := duetime.ParseDate(*todo.Due.Date); err == nil {
			return d.String() < now.Format(duetime.DateLayout)
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "No Todo matches the given query."})
}

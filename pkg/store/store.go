// Package store keeps the local cache of todos and the aggregate stats in
// step with the API.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/todo/pkg/duetime"
	"github.com/harrisonrobin/todo/pkg/filter"
	"github.com/harrisonrobin/todo/pkg/metrics"
	"github.com/harrisonrobin/todo/pkg/model"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Remote is the API the store mirrors. *api.Client implements it.
type Remote interface {
	List(ctx context.Context, params filter.Params) ([]model.Todo, error)
	Get(ctx context.Context, id model.ID) (model.Todo, error)
	Create(ctx context.Context, draft model.Draft) (model.Todo, error)
	Update(ctx context.Context, id model.ID, draft model.Draft) (model.Todo, error)
	Patch(ctx context.Context, id model.ID, patch model.Patch) (model.Todo, error)
	Delete(ctx context.Context, id model.ID) error
	ToggleComplete(ctx context.Context, id model.ID) (model.Todo, error)
	Stats(ctx context.Context) (model.Stats, error)
}

// Form is what a user fills in to create or fully replace a todo.
type Form struct {
	Title       string
	Description string
	// Priority defaults to medium when empty.
	Priority model.Priority
	// Completed is only sent when set.
	Completed *bool
	Due       duetime.Entry
}

// Patch changes only the fields that are set.
type Patch struct {
	Title       *string
	Description *string
	Priority    *model.Priority
	Completed   *bool
	// Due replaces both due fields. A zero entry clears the deadline.
	Due *duetime.Entry
}

// Snapshot is a copy of the store state.
type Snapshot struct {
	Todos []model.Todo
	// Stats is nil until the first successful refresh.
	Stats *model.Stats
	// Loading is true while any list call is in flight.
	Loading bool
	// Err is the error of the most recent list call, if it failed.
	Err error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger stats refresh failures are reported to.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCodec sets the codec used for due dates.
func WithCodec(c *duetime.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithMetrics records cache and race metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is the cache of todos. It is safe for concurrent use.
//
// List and stats responses are ordered by when their request was issued: a
// response older than one already applied is discarded. Mutations of the same
// todo are not ordered; whichever response arrives last wins.
type Store struct {
	remote  Remote
	codec   *duetime.Codec
	logger  *log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	todos    []model.Todo
	stats    *model.Stats
	inflight int
	err      error

	listSeq, listApplied   uint64
	statsSeq, statsApplied uint64

	listeners  map[int]func(Snapshot)
	nextListen int
}

// New creates a store backed by remote.
func New(remote Remote, opts ...Option) *Store {
	s := &Store{
		remote:    remote,
		codec:     duetime.NewCodec(nil, duetime.ReinterpretLocal),
		logger:    log.Default(),
		todos:     []model.Todo{},
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close drops the cache and listeners. Responses arriving afterwards are
// ignored.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.todos = nil
	s.listeners = nil
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Todos:   append([]model.Todo{}, s.todos...),
		Loading: s.inflight > 0,
		Err:     s.err,
	}
	if s.stats != nil {
		stats := *s.stats
		snap.Stats = &stats
	}
	return snap
}

// Todos returns a copy of the cache.
func (s *Store) Todos() []model.Todo {
	return s.Snapshot().Todos
}

// Stats returns the last refreshed stats, or nil.
func (s *Store) Stats() *model.Stats {
	return s.Snapshot().Stats
}

// Loading reports whether a list call is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Err returns the error of the last applied list call.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Find returns the cached todo with id.
func (s *Store) Find(id model.ID) (model.Todo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.todos[i], true
	}
	return model.Todo{}, false
}

// Watch calls fn with a snapshot after every state change. The returned
// func unregisters fn.
func (s *Store) Watch(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// notify must be called without holding mu.
func (s *Store) notify() {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// List replaces the cache with the todos matching f. On failure the cache is
// kept and the error is recorded.
func (s *Store) List(ctx context.Context, f filter.State) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.listSeq++
	seq := s.listSeq
	s.inflight++
	s.mu.Unlock()
	s.notify()

	todos, err := s.remote.List(ctx, filter.Build(f))
	if err != nil {
		err = fmt.Errorf("failed to list todos: %w", err)
	}

	s.mu.Lock()
	s.inflight--
	if s.closed {
		s.mu.Unlock()
		return err
	}
	if applied := s.listApplied; seq < applied {
		s.mu.Unlock()
		s.logger.Debug("discarding stale list response", "seq", seq, "applied", applied)
		s.metrics.StaleResponse("list")
		s.notify()
		return err
	}
	s.listApplied = seq
	if err != nil {
		s.err = err
	} else {
		s.err = nil
		s.todos = todos
		s.metrics.SetCacheSize(len(todos))
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// Get fetches a single todo. The cache is not touched.
func (s *Store) Get(ctx context.Context, id model.ID) (model.Todo, error) {
	if s.isClosed() {
		return model.Todo{}, ErrClosed
	}
	todo, err := s.remote.Get(ctx, id)
	if err != nil {
		return model.Todo{}, fmt.Errorf("failed to get todo %s: %w", id, err)
	}
	return todo, nil
}

// Create sends form to the API and puts the created todo first in the cache.
func (s *Store) Create(ctx context.Context, form Form) (model.Todo, error) {
	if s.isClosed() {
		return model.Todo{}, ErrClosed
	}
	draft, err := s.Draft(form)
	if err != nil {
		return model.Todo{}, err
	}
	todo, err := s.remote.Create(ctx, draft)
	if err != nil {
		return model.Todo{}, fmt.Errorf("failed to create todo: %w", err)
	}

	s.apply(ctx, func() {
		s.todos = append([]model.Todo{todo}, s.todos...)
	})
	return todo, nil
}

// Update replaces todo id with form.
func (s *Store) Update(ctx context.Context, id model.ID, form Form) (model.Todo, error) {
	if s.isClosed() {
		return model.Todo{}, ErrClosed
	}
	draft, err := s.Draft(form)
	if err != nil {
		return model.Todo{}, err
	}
	todo, err := s.remote.Update(ctx, id, draft)
	if err != nil {
		return model.Todo{}, fmt.Errorf("failed to update todo %s: %w", id, err)
	}
	s.apply(ctx, func() { s.replaceLocked(id, todo) })
	return todo, nil
}

// Patch changes the fields of todo id that are set in p.
func (s *Store) Patch(ctx context.Context, id model.ID, p Patch) (model.Todo, error) {
	if s.isClosed() {
		return model.Todo{}, ErrClosed
	}
	patch, err := s.wirePatch(p)
	if err != nil {
		return model.Todo{}, err
	}
	todo, err := s.remote.Patch(ctx, id, patch)
	if err != nil {
		return model.Todo{}, fmt.Errorf("failed to patch todo %s: %w", id, err)
	}
	s.apply(ctx, func() { s.replaceLocked(id, todo) })
	return todo, nil
}

// Delete removes todo id. Removing an id that is not cached leaves the cache
// as it is.
func (s *Store) Delete(ctx context.Context, id model.ID) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.remote.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete todo %s: %w", id, err)
	}
	s.apply(ctx, func() {
		if i := s.indexLocked(id); i >= 0 {
			s.todos = append(s.todos[:i:i], s.todos[i+1:]...)
		}
	})
	return nil
}

// ToggleComplete flips the completed flag of todo id.
func (s *Store) ToggleComplete(ctx context.Context, id model.ID) (model.Todo, error) {
	if s.isClosed() {
		return model.Todo{}, ErrClosed
	}
	todo, err := s.remote.ToggleComplete(ctx, id)
	if err != nil {
		return model.Todo{}, fmt.Errorf("failed to toggle todo %s: %w", id, err)
	}
	s.apply(ctx, func() { s.replaceLocked(id, todo) })
	return todo, nil
}

// RefreshStats fetches the aggregate stats. Failures are logged and the
// previous stats kept.
func (s *Store) RefreshStats(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.statsSeq++
	seq := s.statsSeq
	s.mu.Unlock()

	stats, err := s.remote.Stats(ctx)
	if err == nil {
		err = stats.Validate()
	}
	if err != nil {
		s.logger.Warn("failed to refresh stats", "err", err)
		s.metrics.StatsRefreshFailed()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if seq < s.statsApplied {
		s.mu.Unlock()
		s.metrics.StaleResponse("stats")
		return
	}
	s.statsApplied = seq
	s.stats = &stats
	s.mu.Unlock()
	s.notify()
}

// Draft converts a form into a request body.
func (s *Store) Draft(form Form) (model.Draft, error) {
	due, err := s.codec.Encode(form.Due)
	if err != nil {
		return model.Draft{}, err
	}
	draft := model.Draft{
		Title:     strings.TrimSpace(form.Title),
		Priority:  form.Priority,
		Completed: form.Completed,
		Due:       due,
	}
	if draft.Priority == "" {
		draft.Priority = model.PriorityMedium
	}
	if desc := strings.TrimSpace(form.Description); desc != "" {
		draft.Description = &desc
	}
	if err := draft.Validate(); err != nil {
		return model.Draft{}, err
	}
	return draft, nil
}

// FormOf turns a todo back into a form for editing.
func (s *Store) FormOf(todo model.Todo) (Form, error) {
	due, err := s.codec.Decode(todo.Due)
	if err != nil {
		return Form{}, err
	}
	completed := todo.Completed
	form := Form{
		Title:     todo.Title,
		Priority:  todo.Priority,
		Completed: &completed,
		Due:       due,
	}
	if todo.Description != nil {
		form.Description = *todo.Description
	}
	return form, nil
}

func (s *Store) wirePatch(p Patch) (model.Patch, error) {
	patch := model.Patch{
		Title:       p.Title,
		Description: p.Description,
		Priority:    p.Priority,
		Completed:   p.Completed,
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		patch.Title = &title
	}
	// A blank description is stored as null, the same as in Draft.
	if p.Description != nil {
		if desc := strings.TrimSpace(*p.Description); desc != "" {
			patch.Description = &desc
		} else {
			patch.Description = nil
			patch.ClearDescription = true
		}
	}
	if p.Due != nil {
		due, err := s.codec.Encode(*p.Due)
		if err != nil {
			return model.Patch{}, err
		}
		patch.Due = &due
	}
	if err := patch.Validate(); err != nil {
		return model.Patch{}, err
	}
	return patch, nil
}

// apply runs mutate under the lock, notifies listeners and refreshes the
// stats. Responses to calls that were in flight when the store closed are
// dropped.
func (s *Store) apply(ctx context.Context, mutate func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	mutate()
	s.metrics.SetCacheSize(len(s.todos))
	s.mu.Unlock()
	s.notify()

	s.RefreshStats(ctx)
}

func (s *Store) replaceLocked(id model.ID, todo model.Todo) {
	if i := s.indexLocked(id); i >= 0 {
		s.todos[i] = todo
	}
}

func (s *Store) indexLocked(id model.ID) int {
	for i, todo := range s.todos {
		if todo.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

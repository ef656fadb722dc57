// Package appstate binds the state store, its persistence controller and the
// handle cache into the service the HTTP, MCP and CLI surfaces share.
package appstate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/handles"
	"github.com/starford/tracker/internal/metrics"
	"github.com/starford/tracker/internal/persist"
	"github.com/starford/tracker/internal/statestore"
	"github.com/starford/tracker/internal/tracker"
)

// Config describes how a Service boots.
type Config struct {
	// Seed is the initial state used when nothing usable is stored.
	Seed statestore.Tree
	// Autosave configures the controller subscription.
	Autosave persist.AutosaveOptions
	// HistoryDepth bounds undo. Zero means statestore.DefaultHistoryDepth,
	// negative disables undo.
	HistoryDepth int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. It is also handed to the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records dispatches, saves and imports in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used for summaries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service coordinates store, controller and cache operations.
type Service struct {
	store   *statestore.Store
	ctl     *persist.Controller
	cache   *handles.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	detach    func()
	closeOnce sync.Once
	closeErr  error
}

// Open loads the durable state, creates the store on top of it and attaches
// autosave. Subscribers added afterwards see the current state once Start
// is called.
func Open(ctl *persist.Controller, cache *handles.Cache, cfg Config, opts ...Option) *Service {
	s := &Service{
		ctl:    ctl,
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	depth := cfg.HistoryDepth
	switch {
	case depth == 0:
		depth = statestore.DefaultHistoryDepth
	case depth < 0:
		depth = 0
	}
	storeOpts := []statestore.Option{
		statestore.WithLogger(s.logger),
		statestore.WithHistoryDepth(depth),
	}
	if s.metrics != nil {
		m := s.metrics
		storeOpts = append(storeOpts, statestore.WithObserver(func(statestore.ChangeSet) {
			m.Dispatches.Inc()
		}))
		ctl.OnStatus(func(status persist.Status, err error) {
			switch status {
			case persist.StatusIdle:
				m.ObserveSave(nil)
			case persist.StatusError:
				m.ObserveSave(err)
			}
		})
	}

	initial := ctl.Load(cfg.Seed)
	s.store = statestore.New(initial, storeOpts...)
	s.detach = ctl.AttachAutosave(s.store, cfg.Autosave)

	s.logger.Info("appstate: opened",
		slog.String("key", ctl.Key()),
		slog.Int("partitions", len(initial)))
	return s
}

// Start emits the loaded state to every current subscriber. The dispatch
// carries every partition, so autosave writes the state back once.
func (s *Service) Start() { s.store.Emit() }

// Store returns the underlying state store.
func (s *Service) Store() *statestore.Store { return s.store }

// Persistence returns the persistence controller.
func (s *Service) Persistence() *persist.Controller { return s.ctl }

// Handles returns the handle cache.
func (s *Service) Handles() *handles.Cache { return s.cache }

// State returns a snapshot of the current state.
func (s *Service) State() statestore.Tree { return s.store.Get() }

// Patch shallow-merges patch into the state and returns the result.
func (s *Service) Patch(patch statestore.Tree) statestore.Tree {
	s.store.Set(patch)
	return s.store.Get()
}

// Undo steps back one mutation. It reports false when there is nothing to undo.
func (s *Service) Undo() bool { return s.store.Undo() }

// Redo reapplies the last undone mutation.
func (s *Service) Redo() bool { return s.store.Redo() }

// Reset restores the state the store was opened with.
func (s *Service) Reset() statestore.Tree {
	s.store.Reset()
	return s.store.Get()
}

// Export renders the current state as a downloadable snapshot.
func (s *Service) Export() (persist.Export, error) {
	return s.ctl.ExportSnapshot(s.store.Get())
}

// Import reads a snapshot, combines it with the stored one by strategy and
// adopts the result as the live state.
func (s *Service) Import(r io.Reader, strategy string) (statestore.Tree, error) {
	merged, err := s.importSnapshot(r, strategy)
	if s.metrics != nil {
		s.metrics.ObserveImport(strategy, err)
	}
	return merged, err
}

func (s *Service) importSnapshot(r io.Reader, strategy string) (statestore.Tree, error) {
	st, err := persist.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	merged, err := s.ctl.ImportSnapshot(r, persist.ImportOptions{Strategy: st})
	if err != nil {
		return nil, err
	}
	s.store.Replace(merged)
	if err := s.ctl.SaveNow(s.store.Get()); err != nil {
		return nil, fmt.Errorf("appstate: save import: %w", err)
	}
	return s.store.Get(), nil
}

// Status reports the controller's save status.
func (s *Service) Status() (persist.Status, error) { return s.ctl.Status() }

// AttachFiles picks resources through the host and attaches them to a task.
// Records picked for an unknown task are removed again and ErrNotFound is
// returned.
func (s *Service) AttachFiles(ctx context.Context, taskID string, opts handles.ChooseOptions) ([]handles.Meta, error) {
	if !s.hasTask(taskID) {
		return nil, fmt.Errorf("appstate: task %s: %w", taskID, apperr.ErrNotFound)
	}
	metas, err := s.cache.Pick(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !tracker.AttachFiles(s.store, taskID, metas) {
		for _, m := range metas {
			_ = s.cache.Delete(ctx, m.ID)
		}
		return nil, fmt.Errorf("appstate: task %s: %w", taskID, apperr.ErrNotFound)
	}
	return metas, nil
}

func (s *Service) hasTask(id string) bool {
	tasks, err := tracker.Tasks(s.store.Get())
	if err != nil {
		return false
	}
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// RemoveAttachment detaches an attachment from a task and drops its record.
func (s *Service) RemoveAttachment(ctx context.Context, taskID, attachmentID string) error {
	return tracker.RemoveAttachment(ctx, s.store, s.cache, taskID, attachmentID)
}

// Summary computes the task summary of one project.
func (s *Service) Summary(projectID string) (tracker.Summary, error) {
	if !s.hasProject(projectID) {
		return tracker.Summary{}, fmt.Errorf("appstate: project %s: %w", projectID, apperr.ErrNotFound)
	}
	return tracker.Summarize(s.store.Get(), projectID, s.now())
}

func (s *Service) hasProject(id string) bool {
	projects, err := tracker.Projects(s.store.Get())
	if err != nil {
		return false
	}
	for _, p := range projects {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Close writes any pending state and detaches autosave. It is safe to call
// more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		err := s.ctl.Flush()
		s.detach()
		if err != nil {
			s.logger.Error("appstate: final save failed", slog.String("error", err.Error()))
		}
		s.closeErr = err
	})
	return s.closeErr
}

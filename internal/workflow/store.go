// Package workflow holds the process-wide workflow run state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mtzanidakis/clipforge/internal/agent"
)

var (
	ErrNotFound          = errors.New("workflow not found")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Archiver persists terminal runs evicted from memory.
type Archiver interface {
	SaveRun(run *Run) error
	// LoadRun returns (nil, nil) when the run is not archived.
	LoadRun(id string) (*Run, error)
}

type Options struct {
	// Retention is how long terminal runs stay in memory. Zero keeps them
	// for the process lifetime.
	Retention time.Duration
	CacheSize int
	Archive   Archiver
	Now       func() time.Time
}

// Store maps workflow ids to runs. Mutations of one run are serialized;
// different runs never contend beyond the map lookup.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*entry
	opts  Options
	cache *lru.Cache[string, *Run]
	clock clock
}

type entry struct {
	mu  sync.Mutex
	run *Run
}

func New(opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New[string, *Run](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create archive cache: %w", err)
	}
	return &Store{
		runs:  make(map[string]*entry),
		opts:  opts,
		cache: cache,
		clock: clock{now: opts.Now},
	}, nil
}

// Create registers a pending run with one waiting task per spec.
func (s *Store) Create(req Request, specs []TaskSpec) (*Run, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	tasks := make(map[agent.Type]*TaskRecord, len(specs))
	for _, sp := range specs {
		if _, dup := tasks[sp.Type]; dup {
			return nil, fmt.Errorf("duplicate task %s", sp.Type)
		}
		tasks[sp.Type] = &TaskRecord{
			Type:     sp.Type,
			Status:   TaskWaiting,
			HardDeps: append([]agent.Type{}, sp.HardDeps...),
			SoftDeps: append([]agent.Type{}, sp.SoftDeps...),
			Weight:   sp.Weight,
			Required: sp.Required,
		}
	}

	run := &Run{
		Prompt:      req.Prompt,
		Mode:        req.Mode,
		Platforms:   req.Platforms,
		Parameters:  req.Parameters,
		Status:      RunPending,
		Tasks:       tasks,
		OutputFiles: []string{},
		Errors:      []string{},
		AcceptedAt:  s.clock.tick(),
		Version:     1,
	}

	s.mu.Lock()
	for {
		run.ID = uuid.NewString()
		if _, taken := s.runs[run.ID]; !taken {
			break
		}
	}
	s.runs[run.ID] = &entry{run: run}
	s.mu.Unlock()

	return run.Clone(), nil
}

// Get returns a snapshot of the run, falling back to the archive for
// evicted runs.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	e, ok := s.runs[id]
	s.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.run != nil {
			return e.run.Clone(), nil
		}
	}

	if run, ok := s.cache.Get(id); ok {
		return run.Clone(), nil
	}
	if s.opts.Archive != nil {
		run, err := s.opts.Archive.LoadRun(id)
		if err != nil {
			return nil, fmt.Errorf("load archived run: %w", err)
		}
		if run != nil {
			s.cache.Add(id, run)
			return run.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns in-memory runs matching f, oldest first.
func (s *Store) List(f Filter) []*Run {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.run != nil && f.match(e.run) {
			out = append(out, e.run.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcceptedAt.Equal(out[j].AcceptedAt) {
			return out[i].AcceptedAt.Before(out[j].AcceptedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Start moves a pending run to running.
func (s *Store) Start(id string) (*Run, error) {
	return s.mutate(id, func(r *Run, now time.Time) error {
		if r.Status != RunPending {
			return fmt.Errorf("%w: start %s run", ErrInvalidTransition, r.Status)
		}
		r.Status = RunRunning
		r.StartedAt = &now
		return nil
	})
}

// ApplyTaskTransition moves one task forward. Runs that are already
// terminal accept only the completion of tasks still in flight.
func (s *Store) ApplyTaskTransition(id string, t agent.Type, tr Transition) (*Run, error) {
	return s.mutate(id, func(r *Run, now time.Time) error {
		rec, ok := r.Tasks[t]
		if !ok {
			return fmt.Errorf("%w: run has no %s task", ErrInvalidTransition, t)
		}
		if !canTransition(rec.Status, tr.To) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t, rec.Status, tr.To)
		}
		if r.Status.Terminal() && (tr.To == TaskReady || tr.To == TaskRunning) {
			return fmt.Errorf("%w: run is %s", ErrInvalidTransition, r.Status)
		}

		switch tr.To {
		case TaskReady:
			rec.ReadyAt = &now
		case TaskRunning:
			rec.StartedAt = &now
		case TaskDone:
			res := agent.Result{}
			if tr.Result != nil {
				res = tr.Result.Clone()
			}
			rec.Result = &res
			rec.Reason = ""
			rec.FinishedAt = &now
			r.OutputFiles = append(r.OutputFiles, res.Artifacts...)
		case TaskFailed:
			rec.Reason = tr.Reason
			rec.FinishedAt = &now
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", t, tr.Reason))
		case TaskSkipped:
			rec.Reason = tr.Reason
			rec.FinishedAt = &now
		}
		rec.Status = tr.To
		r.recomputeProgress()
		return nil
	})
}

// RecordRetry counts one more attempt for a running task.
func (s *Store) RecordRetry(id string, t agent.Type) (*Run, error) {
	return s.mutate(id, func(r *Run, _ time.Time) error {
		rec, ok := r.Tasks[t]
		if !ok || rec.Status != TaskRunning {
			return fmt.Errorf("%w: retry of %s outside running", ErrInvalidTransition, t)
		}
		rec.Retries++
		return nil
	})
}

// Finish records the final outcome. Only completed and error are accepted;
// cancellation goes through Cancel.
func (s *Store) Finish(id string, status RunStatus, errs ...string) (*Run, error) {
	if status != RunCompleted && status != RunError {
		return nil, fmt.Errorf("%w: finish with %s", ErrInvalidTransition, status)
	}
	return s.mutate(id, func(r *Run, now time.Time) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: run already %s", ErrInvalidTransition, r.Status)
		}
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		r.Status = status
		r.Errors = append(r.Errors, errs...)
		r.Progress = 100
		r.complete(now)
		return nil
	})
}

// Cancel marks every waiting or ready task skipped and the run cancelled.
// Running tasks are left to finish on their own.
func (s *Store) Cancel(id string) (*Run, error) {
	return s.mutate(id, func(r *Run, now time.Time) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: run already %s", ErrInvalidTransition, r.Status)
		}
		for _, rec := range r.Tasks {
			if rec.Status == TaskWaiting || rec.Status == TaskReady {
				rec.Status = TaskSkipped
				rec.Reason = "cancelled"
				rec.FinishedAt = &now
			}
		}
		r.Status = RunCancelled
		r.recomputeProgress()
		r.complete(now)
		return nil
	})
}

func (s *Store) mutate(id string, fn func(r *Run, now time.Time) error) (*Run, error) {
	s.mu.RLock()
	e, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(e.run, s.clock.tick()); err != nil {
		return nil, err
	}
	e.run.Version++
	return e.run.Clone(), nil
}

// Evict archives and drops terminal runs older than the retention window.
func (s *Store) Evict(now time.Time) int {
	if s.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.opts.Retention)

	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.runs))
	for id, e := range s.runs {
		candidates[id] = e
	}
	s.mu.RUnlock()

	evicted := 0
	for id, e := range candidates {
		e.mu.Lock()
		run := e.run
		if run == nil || !run.Status.Terminal() || run.CompletedAt == nil || run.CompletedAt.After(cutoff) {
			e.mu.Unlock()
			continue
		}
		if s.opts.Archive != nil {
			if err := s.opts.Archive.SaveRun(run); err != nil {
				e.mu.Unlock()
				slog.Warn("failed to archive workflow run", "id", id, "error", err)
				continue
			}
		}
		e.run = nil
		e.mu.Unlock()

		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
		s.cache.Add(id, run)
		evicted++
	}
	return evicted
}

// RunEviction calls Evict every interval until ctx is done.
func (s *Store) RunEviction(ctx context.Context, interval time.Duration) {
	if s.opts.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(s.opts.Now()); n > 0 {
				slog.Info("evicted workflow runs", "count", n)
			}
		}
	}
}

func (r *Run) recomputeProgress() {
	total, finished := 0, 0
	for _, rec := range r.Tasks {
		total += rec.Weight
		if rec.Status.Terminal() {
			finished += rec.Weight
		}
	}
	if total == 0 {
		return
	}
	if p := finished * 100 / total; p > r.Progress {
		r.Progress = p
	}
}

func (r *Run) complete(now time.Time) {
	r.CompletedAt = &now
	ms := now.Sub(r.AcceptedAt).Milliseconds()
	r.ExecutionTimeMS = &ms
}

// clock hands out strictly increasing timestamps so that ordering between
// recorded events survives equal wall-clock readings.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

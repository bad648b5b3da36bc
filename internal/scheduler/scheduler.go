// Package scheduler drives workflow runs through the agent dependency graph.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/graph"
	"github.com/mtzanidakis/clipforge/internal/metrics"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/retry"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

var ErrShuttingDown = errors.New("scheduler is shutting down")

type Options struct {
	// Mode applies to requests that do not name one.
	Mode workflow.Mode
	// Budget caps in-flight tasks per run. Zero means one per registered
	// agent type.
	Budget       int
	AgentTimeout time.Duration
	Retry        retry.Policy
	Events       Publisher
	Metrics      *metrics.Metrics
}

func OptionsFromConfig(cfg config.SchedulerConfig) (Options, error) {
	mode, err := workflow.ParseMode(cfg.Mode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:         mode,
		Budget:       cfg.ConcurrencyBudget,
		AgentTimeout: cfg.AgentTimeout,
		Retry:        retry.FromConfig(cfg.Retry),
	}, nil
}

type Scheduler struct {
	store  *workflow.Store
	graph  *graph.Graph
	reg    *registry.Registry
	exec   Executor
	events Publisher
	mx     *metrics.Metrics

	optsMu sync.RWMutex
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*runHandle
	closing bool
}

type runHandle struct {
	// ctx bounds retries and backoff waits of the run; attempts already
	// executing are not tied to it.
	ctx       context.Context
	stop      context.CancelFunc
	cancelled chan struct{}
	once      sync.Once
	done      chan struct{}
}

func (h *runHandle) signal() {
	h.once.Do(func() {
		close(h.cancelled)
		h.stop()
	})
}

// New wires a scheduler. exec decides where attempts run; nil uses the
// registry instances directly.
func New(st *workflow.Store, g *graph.Graph, reg *registry.Registry, exec Executor, opts Options) *Scheduler {
	if exec == nil {
		exec = NewRegistryExecutor(reg)
	}
	if opts.Mode == "" {
		opts.Mode = workflow.ModeHybrid
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  st,
		graph:  g,
		reg:    reg,
		exec:   exec,
		events: opts.Events,
		mx:     opts.Metrics,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*runHandle),
	}
}

// UpdateConfig replaces the execution settings used by runs submitted from
// now on.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) error {
	next, err := OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	s.opts.Mode = next.Mode
	s.opts.Budget = next.Budget
	if next.AgentTimeout > 0 {
		s.opts.AgentTimeout = next.AgentTimeout
	}
	s.opts.Retry = next.Retry
	slog.Info("scheduler config reloaded", "mode", next.Mode, "budget", next.Budget)
	return nil
}

func (s *Scheduler) options() Options {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return s.opts
}

// Submit accepts a request and starts its run in the background. The
// returned snapshot is the pending run.
func (s *Scheduler) Submit(ctx context.Context, req workflow.Request) (*workflow.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := s.options()
	if req.Mode == "" {
		req.Mode = opts.Mode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}

	run, err := s.store.Create(req, s.taskSpecs())
	if err != nil {
		return nil, err
	}

	slog.Info("workflow accepted", "id", run.ID, "mode", run.Mode, "platforms", run.Platforms)
	s.publish(EventAccepted, run, nil)

	rctx, stop := context.WithCancel(s.ctx)
	h := &runHandle{ctx: rctx, stop: stop, cancelled: make(chan struct{}), done: make(chan struct{})}
	s.active[run.ID] = h
	s.wg.Add(1)
	go s.coordinate(run.ID, h, opts)
	return run, nil
}

func (s *Scheduler) taskSpecs() []workflow.TaskSpec {
	types := s.graph.Types()
	specs := make([]workflow.TaskSpec, 0, len(types))
	for _, t := range types {
		d, _ := s.reg.Descriptor(t)
		specs = append(specs, workflow.TaskSpec{
			Type:     t,
			HardDeps: s.graph.HardDeps(t),
			SoftDeps: s.graph.SoftDeps(t),
			Weight:   d.Weight,
			Required: s.reg.Required(t),
		})
	}
	return specs
}

// Cancel stops dispatch for a run. Tasks already running finish and are
// recorded; everything else is skipped.
func (s *Scheduler) Cancel(id string) (*workflow.Run, error) {
	run, err := s.store.Cancel(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	h := s.active[id]
	s.mu.Unlock()
	if h != nil {
		h.signal()
	}
	slog.Info("workflow cancelled", "id", id)
	return run, nil
}

func (s *Scheduler) Get(id string) (*workflow.Run, error) {
	return s.store.Get(id)
}

func (s *Scheduler) List(f workflow.Filter) []*workflow.Run {
	return s.store.List(f)
}

// Wait blocks until the run is terminal and its coordinator has recorded
// every in-flight task.
func (s *Scheduler) Wait(ctx context.Context, id string) (*workflow.Run, error) {
	s.mu.Lock()
	h := s.active[id]
	s.mu.Unlock()
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("workflow %s has no coordinator and is %s", id, run.Status)
	}
	return run, nil
}

// Shutdown rejects new runs and cancels active ones. If ctx expires before
// in-flight tasks finish, their contexts are cancelled as well.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Cancel(id); err != nil && !errors.Is(err, workflow.ErrInvalidTransition) {
			slog.Warn("failed to cancel workflow on shutdown", "id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) coordinate(id string, h *runHandle, opts Options) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		h.stop()
		close(h.done)
	}()

	r := &runner{
		s:         s,
		id:        id,
		opts:      opts,
		ctx:       h.ctx,
		cancelled: h.cancelled,
		inflight:  make(map[agent.Type]bool),
		results:   make(chan completion, len(s.graph.Types())),
	}
	r.run()
}

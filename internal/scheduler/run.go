package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/pool"
	"github.com/mtzanidakis/clipforge/internal/retry"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

var errTimeout = errors.New("agent deadline exceeded")

type completion struct {
	t   agent.Type
	res agent.Result
	err error
	dur time.Duration
}

// runner is the coordinator state of one run. Only the coordinator
// goroutine touches it.
type runner struct {
	s         *Scheduler
	id        string
	opts      Options
	ctx       context.Context
	cancelled <-chan struct{}
	results   chan completion

	snap      *workflow.Run
	inflight  map[agent.Type]bool
	exclusive bool
	stopped   bool
}

func (r *runner) run() {
	s := r.s
	s.mx.WorkflowStarted()

	snap, err := s.store.Start(r.id)
	if err != nil {
		// Cancelled before the coordinator picked it up.
		r.stopped = true
		snap, _ = s.store.Get(r.id)
	} else {
		slog.Info("workflow started", "id", r.id, "mode", snap.Mode)
		s.publish(EventStarted, snap, nil)
	}
	r.snap = snap

	for {
		if !r.stopped && r.snap != nil {
			r.schedule()
		}
		if len(r.inflight) == 0 {
			break
		}
		select {
		case c := <-r.results:
			r.complete(c)
		case <-r.cancelled:
			r.stopped = true
			r.cancelled = nil
		}
	}
	r.finish()
}

// schedule promotes eligible waiting tasks until nothing changes, then
// dispatches ready tasks within the budget.
func (r *runner) schedule() {
	for {
		changed := false
		for _, t := range r.candidates() {
			rec := r.snap.Tasks[t]
			if dep, st, ok := r.blockedBy(rec); ok {
				reason := fmt.Sprintf("dependency %s %s", dep, st)
				if !r.transition(t, workflow.Transition{To: workflow.TaskSkipped, Reason: reason}) {
					return
				}
				changed = true
				continue
			}
			if !r.transition(t, workflow.Transition{To: workflow.TaskReady}) {
				return
			}
			changed = true
		}
		if !changed {
			break
		}
	}
	r.dispatch()
}

// candidates returns the waiting tasks whose turn has come under the run
// mode.
func (r *runner) candidates() []agent.Type {
	g := r.s.graph
	var out []agent.Type

	switch r.snap.Mode {
	case workflow.ModeSequential:
		for _, t := range g.Order() {
			rec := r.snap.Tasks[t]
			if rec.Status.Terminal() {
				continue
			}
			if rec.Status == workflow.TaskWaiting {
				out = append(out, t)
			}
			break
		}
	case workflow.ModeParallel:
		for _, t := range g.Order() {
			rec := r.snap.Tasks[t]
			if rec.Status == workflow.TaskWaiting && r.resolved(rec.HardDeps) {
				out = append(out, t)
			}
		}
	default:
		for _, layer := range g.Layers() {
			open := false
			for _, t := range layer {
				rec := r.snap.Tasks[t]
				if rec.Status.Terminal() {
					continue
				}
				open = true
				if rec.Status == workflow.TaskWaiting {
					out = append(out, t)
				}
			}
			if open {
				break
			}
		}
	}
	return out
}

func (r *runner) resolved(deps []agent.Type) bool {
	for _, d := range deps {
		if !r.snap.Tasks[d].Status.Terminal() {
			return false
		}
	}
	return true
}

// blockedBy reports the first required hard dependency that did not
// complete.
func (r *runner) blockedBy(rec *workflow.TaskRecord) (agent.Type, workflow.TaskStatus, bool) {
	for _, d := range rec.HardDeps {
		dep := r.snap.Tasks[d]
		if dep.Required && (dep.Status == workflow.TaskFailed || dep.Status == workflow.TaskSkipped) {
			return d, dep.Status, true
		}
	}
	return "", "", false
}

func (r *runner) budget() int {
	if r.snap.Mode == workflow.ModeSequential {
		return 1
	}
	if r.opts.Budget > 0 {
		return r.opts.Budget
	}
	return max(r.s.reg.Len(), 1)
}

func (r *runner) dispatch() {
	for _, t := range r.s.graph.Order() {
		rec := r.snap.Tasks[t]
		if rec.Status != workflow.TaskReady {
			continue
		}
		if r.exclusive || len(r.inflight) >= r.budget() {
			return
		}
		d, _ := r.s.reg.Descriptor(t)
		if !d.Concurrent && len(r.inflight) > 0 {
			return
		}
		if !r.transition(t, workflow.Transition{To: workflow.TaskRunning}) {
			return
		}
		r.inflight[t] = true
		if !d.Concurrent {
			r.exclusive = true
		}

		task := r.task(t)
		go func() {
			start := time.Now()
			res, err := r.s.invoke(r.ctx, r.id, t, task, r.opts)
			r.results <- completion{t: t, res: res, err: err, dur: time.Since(start)}
		}()
	}
}

// task builds the adapter payload with the results of finished upstream
// tasks as inputs.
func (r *runner) task(t agent.Type) agent.Task {
	rec := r.snap.Tasks[t]
	inputs := make(map[agent.Type]agent.Result)
	for _, deps := range [][]agent.Type{rec.HardDeps, rec.SoftDeps} {
		for _, d := range deps {
			dep := r.snap.Tasks[d]
			if dep.Status == workflow.TaskDone && dep.Result != nil {
				inputs[d] = dep.Result.Clone()
			}
		}
	}
	req := r.snap.Request()
	return agent.Task{
		ID:         r.id + "/" + string(t),
		WorkflowID: r.id,
		Type:       t,
		Prompt:     req.Prompt,
		Platforms:  req.Platforms,
		Parameters: req.AgentParameters(t),
		Inputs:     inputs,
	}
}

func (r *runner) complete(c completion) {
	delete(r.inflight, c.t)
	if d, _ := r.s.reg.Descriptor(c.t); !d.Concurrent {
		r.exclusive = false
	}

	if c.err == nil {
		r.s.mx.ObserveAgent(string(c.t), "done", c.dur)
		slog.Info("agent finished", "id", r.id, "agent", c.t, "artifacts", len(c.res.Artifacts), "duration", c.dur)
		r.transition(c.t, workflow.Transition{To: workflow.TaskDone, Result: &c.res})
		return
	}

	reason := failureReason(c.err)
	r.s.mx.ObserveAgent(string(c.t), "failed", c.dur)
	r.s.mx.IncAgentFailure(string(c.t), reason)
	slog.Warn("agent failed", "id", r.id, "agent", c.t, "reason", reason, "error", c.err)
	r.transition(c.t, workflow.Transition{To: workflow.TaskFailed, Reason: reason})
}

// transition applies tr and refreshes the snapshot. A rejected transition
// means the run was cancelled underneath us, so dispatch stops.
func (r *runner) transition(t agent.Type, tr workflow.Transition) bool {
	run, err := r.s.store.ApplyTaskTransition(r.id, t, tr)
	if err != nil {
		if !errors.Is(err, workflow.ErrInvalidTransition) {
			slog.Error("failed to record task transition", "id", r.id, "agent", t, "to", tr.To, "error", err)
		}
		r.stopped = true
		if snap, gerr := r.s.store.Get(r.id); gerr == nil {
			r.snap = snap
		}
		return false
	}
	r.snap = run
	r.s.publish(EventTask, run, run.Task(t))
	return true
}

func (r *runner) finish() {
	s := r.s
	run, err := s.store.Get(r.id)
	if err != nil {
		slog.Error("workflow vanished before finishing", "id", r.id, "error", err)
		s.mx.WorkflowFinished("unknown", "unknown")
		return
	}

	if run.Status != workflow.RunCancelled {
		status := workflow.RunCompleted
		var missing, open []string
		for _, t := range s.graph.Order() {
			rec := run.Tasks[t]
			if !rec.Status.Terminal() {
				open = append(open, string(t))
			}
			if rec.Required && rec.Status != workflow.TaskDone {
				missing = append(missing, string(t))
			}
		}
		var errs []string
		if len(open) > 0 {
			errs = append(errs, "workflow stalled with unfinished agents: "+strings.Join(open, ", "))
		}
		if len(missing) > 0 {
			status = workflow.RunError
			errs = append(errs, "required agents did not complete: "+strings.Join(missing, ", "))
		}
		if finished, err := s.store.Finish(r.id, status, errs...); err == nil {
			run = finished
		} else if latest, gerr := s.store.Get(r.id); gerr == nil {
			run = latest
		}
	}

	s.mx.WorkflowFinished(string(run.Mode), string(run.Status))
	slog.Info("workflow finished", "id", r.id, "status", run.Status, "progress", run.Progress,
		"outputs", len(run.OutputFiles), "errors", len(run.Errors))
	s.publish(EventFinished, run, nil)
}

// invoke runs one task with retries. Capacity errors, permanent failures
// and shutdown are not retried. Cancelling runCtx stops further attempts
// and backoff waits; an attempt already executing runs to completion.
func (s *Scheduler) invoke(runCtx context.Context, id string, t agent.Type, task agent.Task, opts Options) (agent.Result, error) {
	ctx := s.ctx
	timeout := s.reg.Timeout(t, opts.AgentTimeout)

	var res agent.Result
	err := retry.Do(runCtx, opts.Retry, func(attempt int) error {
		if attempt > 1 && runCtx.Err() != nil {
			return retry.Permanent(runCtx.Err())
		}
		task.Attempt = attempt
		out, err := s.attempt(ctx, t, task, timeout)
		if err == nil {
			res = out
			return nil
		}
		if errors.Is(err, pool.ErrUnavailable) || agent.IsPermanent(err) || ctx.Err() != nil || runCtx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		slog.Warn("agent attempt failed, retrying", "id", id, "agent", t, "error", err, "wait", wait)
		s.mx.IncAgentRetry(string(t))
		if run, rerr := s.store.RecordRetry(id, t); rerr == nil {
			s.publish(EventRetry, run, run.Task(t))
		}
	})
	return res, err
}

// attempt enforces the per-attempt deadline around slot acquisition and
// execution, even for adapters that ignore ctx.
func (s *Scheduler) attempt(ctx context.Context, t agent.Type, task agent.Task, timeout time.Duration) (agent.Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res agent.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.exec.Execute(actx, t, task)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return agent.Result{}, errTimeout
		}
		return o.res, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{}, errTimeout
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, pool.ErrUnavailable):
		return "no capacity"
	case errors.Is(err, errTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var f *agent.Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}

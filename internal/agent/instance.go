package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned when a task is dispatched to an instance that is running.
var ErrBusy = errors.New("agent instance busy")

// RuntimeState is a consistent copy of an instance's mutable record.
type RuntimeState struct {
	Type        Type      `json:"type"`
	Status      Status    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastResult  *Result   `json:"last_result,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Instance is one physical adapter slot: at most one task runs on it at a time.
type Instance struct {
	desc    Descriptor
	adapter Adapter
	lease   chan struct{}

	mu    sync.RWMutex
	state RuntimeState
}

func NewInstance(desc Descriptor, adapter Adapter) *Instance {
	return &Instance{
		desc:    desc,
		adapter: adapter,
		lease:   make(chan struct{}, 1),
		state: RuntimeState{
			Type:      desc.Type,
			Status:    StatusIdle,
			UpdatedAt: time.Now(),
		},
	}
}

func (i *Instance) Descriptor() Descriptor {
	return i.desc
}

func (i *Instance) Adapter() Adapter {
	return i.adapter
}

// Acquire blocks until the instance is free or ctx is done.
func (i *Instance) Acquire(ctx context.Context) error {
	select {
	case i.lease <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) Release() {
	select {
	case <-i.lease:
	default:
	}
}

// State returns a snapshot of the runtime record.
func (i *Instance) State() RuntimeState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	st := i.state
	if st.LastResult != nil {
		r := st.LastResult.Clone()
		st.LastResult = &r
	}
	return st
}

// Run executes task on the adapter. The idle->running and
// running->{completed,error} transitions each happen under one lock.
func (i *Instance) Run(ctx context.Context, task Task) (res Result, err error) {
	i.mu.Lock()
	if i.state.Status == StatusRunning {
		i.mu.Unlock()
		return Result{}, ErrBusy
	}
	i.state.Status = StatusRunning
	i.state.CurrentTask = task.ID
	i.state.UpdatedAt = time.Now()
	i.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			slog.Error("agent adapter panicked", "agent", i.desc.Type, "task", task.ID, "panic", p)
			err = &Failure{Reason: fmt.Sprintf("adapter panic: %v", p), Permanent: true}
		}

		i.mu.Lock()
		defer i.mu.Unlock()
		i.state.CurrentTask = ""
		i.state.UpdatedAt = time.Now()
		if err != nil {
			i.state.Status = StatusError
			i.state.LastError = err.Error()
			return
		}
		i.state.Status = StatusCompleted
		i.state.LastError = ""
		r := res.Clone()
		i.state.LastResult = &r
	}()

	return i.adapter.Execute(ctx, task)
}

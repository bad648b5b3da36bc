package scheduler

import (
	"context"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/pool"
	"github.com/mtzanidakis/clipforge/internal/registry"
)

// Executor runs one attempt of a task on an exclusive adapter slot.
type Executor interface {
	Execute(ctx context.Context, t agent.Type, task agent.Task) (agent.Result, error)
}

// RegistryExecutor runs tasks on the single registered instance per type.
type RegistryExecutor struct {
	reg *registry.Registry
}

func NewRegistryExecutor(reg *registry.Registry) *RegistryExecutor {
	return &RegistryExecutor{reg: reg}
}

func (e *RegistryExecutor) Execute(ctx context.Context, t agent.Type, task agent.Task) (agent.Result, error) {
	inst, err := e.reg.Acquire(ctx, t)
	if err != nil {
		return agent.Result{}, err
	}
	defer inst.Release()
	return inst.Run(ctx, task)
}

// PoolExecutor leases a slot from the execution pool for every attempt.
type PoolExecutor struct {
	pool *pool.Pool
}

func NewPoolExecutor(p *pool.Pool) *PoolExecutor {
	return &PoolExecutor{pool: p}
}

func (e *PoolExecutor) Execute(ctx context.Context, t agent.Type, task agent.Task) (agent.Result, error) {
	lease, err := e.pool.Acquire(ctx, t)
	if err != nil {
		return agent.Result{}, err
	}
	defer lease.Release()
	return lease.Run(ctx, task)
}

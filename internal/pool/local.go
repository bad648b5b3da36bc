package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mtzanidakis/clipforge/internal/agent"
)

// AdapterFactory builds a fresh adapter for one slot of type t.
type AdapterFactory func(t agent.Type) (agent.Adapter, error)

// LocalProvider runs slots in-process. Each slot gets its own adapter from
// the factory.
type LocalProvider struct {
	factory AdapterFactory
	seq     atomic.Int64
}

func NewLocalProvider(factory AdapterFactory) *LocalProvider {
	return &LocalProvider{factory: factory}
}

func (p *LocalProvider) Provision(_ context.Context, t agent.Type) (Handle, error) {
	a, err := p.factory(t)
	if err != nil {
		return Handle{}, fmt.Errorf("build %s adapter: %w", t, err)
	}
	return Handle{
		ID:      fmt.Sprintf("%s-%d", t, p.seq.Add(1)),
		Type:    t,
		Adapter: a,
	}, nil
}

func (p *LocalProvider) Decommission(context.Context, Handle) error {
	return nil
}

// Check asks adapters that implement agent.HealthChecker; others are
// always healthy.
func (p *LocalProvider) Check(ctx context.Context, h Handle) error {
	if hc, ok := h.Adapter.(agent.HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

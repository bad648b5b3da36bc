// Package registry holds the fixed set of agent adapters and their
// capability metadata.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/store"
	"github.com/mtzanidakis/clipforge/internal/vault"
)

var ErrUnknownAgent = errors.New("unknown agent type")

// AgentStatus is the read-only projection served by the agents endpoint.
type AgentStatus struct {
	Status       agent.Status `json:"status"`
	CurrentTask  string       `json:"current_task"`
	Capabilities []string     `json:"capabilities"`
	Priority     string       `json:"priority"`
	Required     bool         `json:"required"`
	LastError    string       `json:"last_error,omitempty"`
}

type Registry struct {
	instances map[agent.Type]*agent.Instance
	required  map[agent.Type]bool
	timeouts  map[agent.Type]time.Duration
}

// New registers one instance per descriptor. Every descriptor needs an
// adapter; required names agents whose failure fails the run.
func New(descs map[agent.Type]agent.Descriptor, adapters map[agent.Type]agent.Adapter, required []agent.Type) (*Registry, error) {
	r := &Registry{
		instances: make(map[agent.Type]*agent.Instance, len(descs)),
		required:  make(map[agent.Type]bool, len(required)),
		timeouts:  make(map[agent.Type]time.Duration),
	}
	for t, d := range descs {
		if !t.Valid() || d.Type != t {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, t)
		}
		a, ok := adapters[t]
		if !ok {
			return nil, fmt.Errorf("no adapter for %s", t)
		}
		if d.Weight <= 0 {
			d.Weight = 1
		}
		r.instances[t] = agent.NewInstance(d, a)
	}
	for _, t := range required {
		if _, ok := r.instances[t]; !ok {
			return nil, fmt.Errorf("required agent: %w: %q", ErrUnknownAgent, t)
		}
		r.required[t] = true
	}
	return r, nil
}

// FromConfig builds the registry from the built-in descriptors overlaid with
// the agents section. bus is only needed for nats adapters and secrets only
// for "secret:" token references.
func FromConfig(cfg *config.Config, secrets *vault.Secrets, bus *natsbus.Client) (*Registry, error) {
	descs := agent.DefaultDescriptors()
	adapters := make(map[agent.Type]agent.Adapter, len(descs))
	timeouts := make(map[agent.Type]time.Duration)

	for name := range cfg.Agents {
		if _, err := agent.ParseType(name); err != nil {
			return nil, fmt.Errorf("agents.%s: %w", name, ErrUnknownAgent)
		}
	}

	for t, d := range descs {
		ac := cfg.Agent(string(t))
		if ac.Priority != "" {
			p := agent.Priority(ac.Priority)
			if !p.Valid() {
				return nil, fmt.Errorf("agents.%s: unknown priority %q", t, ac.Priority)
			}
			d.Priority = p
		}
		if ac.Concurrent != nil {
			d.Concurrent = *ac.Concurrent
		}
		if ac.Weight > 0 {
			d.Weight = ac.Weight
		}
		if len(ac.Capabilities) > 0 {
			d.Capabilities = append([]string(nil), ac.Capabilities...)
		}
		if ac.Kind != "" {
			d.Kind = ac.Kind
		}
		if ac.Timeout > 0 {
			timeouts[t] = ac.Timeout
		}
		descs[t] = d

		switch d.Kind {
		case agent.KindSimulated:
			adapters[t] = agent.NewSimulated(t, ac.Latency, ac.FailureRate, filepath.ToSlash(cfg.Store.ArtifactDir))
		case agent.KindHTTP:
			token, err := secrets.Resolve(ac.Token)
			if err != nil {
				return nil, fmt.Errorf("agents.%s token: %w", t, err)
			}
			adapters[t] = agent.NewHTTPAdapter(ac.Endpoint, token, cfg.Scheduler.AgentTimeout)
		case agent.KindNATS:
			if bus == nil {
				return nil, fmt.Errorf("agents.%s: nats adapter needs a bus connection", t)
			}
			adapters[t] = agent.NewNATSAdapter(bus, string(t))
		default:
			return nil, fmt.Errorf("agents.%s: unknown kind %q", t, d.Kind)
		}
	}

	required := make([]agent.Type, 0, len(cfg.Scheduler.RequiredAgents))
	for _, name := range cfg.Scheduler.RequiredAgents {
		t, err := agent.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("scheduler.required_agents: %w: %q", ErrUnknownAgent, name)
		}
		required = append(required, t)
	}

	r, err := New(descs, adapters, required)
	if err != nil {
		return nil, err
	}
	r.timeouts = timeouts
	return r, nil
}

// Sync writes the registered descriptors to the agents table and drops
// rows for agents no longer registered.
func (r *Registry) Sync(s *store.Store) error {
	ids := make([]string, 0, len(r.instances))
	for t, inst := range r.instances {
		d := inst.Descriptor()
		ids = append(ids, string(t))
		err := s.SaveAgent(&store.Agent{
			ID:           string(t),
			Priority:     string(d.Priority),
			Concurrent:   d.Concurrent,
			Kind:         d.Kind,
			Capabilities: d.Capabilities,
			Weight:       d.Weight,
			Required:     r.required[t],
		})
		if err != nil {
			return fmt.Errorf("save agent %s: %w", t, err)
		}
	}
	if err := s.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

// Types returns the registered agent types in canonical order.
func (r *Registry) Types() []agent.Type {
	out := make([]agent.Type, 0, len(r.instances))
	for t := range r.instances {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (r *Registry) Len() int {
	return len(r.instances)
}

func (r *Registry) Descriptors() map[agent.Type]agent.Descriptor {
	out := make(map[agent.Type]agent.Descriptor, len(r.instances))
	for t, inst := range r.instances {
		out[t] = inst.Descriptor()
	}
	return out
}

func (r *Registry) Descriptor(t agent.Type) (agent.Descriptor, bool) {
	inst, ok := r.instances[t]
	if !ok {
		return agent.Descriptor{}, false
	}
	return inst.Descriptor(), true
}

func (r *Registry) Instance(t agent.Type) (*agent.Instance, bool) {
	inst, ok := r.instances[t]
	return inst, ok
}

func (r *Registry) Required(t agent.Type) bool {
	return r.required[t]
}

// Timeout returns the per-agent deadline override, or fallback.
func (r *Registry) Timeout(t agent.Type, fallback time.Duration) time.Duration {
	if d, ok := r.timeouts[t]; ok {
		return d
	}
	return fallback
}

// Acquire waits until the instance for t is free. One task runs on an
// instance at a time, across all runs.
func (r *Registry) Acquire(ctx context.Context, t agent.Type) (*agent.Instance, error) {
	inst, ok := r.instances[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, t)
	}
	if err := inst.Acquire(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Status returns the runtime projection of every registered agent.
func (r *Registry) Status() map[agent.Type]AgentStatus {
	out := make(map[agent.Type]AgentStatus, len(r.instances))
	for t, inst := range r.instances {
		st := inst.State()
		d := inst.Descriptor()
		out[t] = AgentStatus{
			Status:       st.Status,
			CurrentTask:  st.CurrentTask,
			Capabilities: append([]string{}, d.Capabilities...),
			Priority:     string(d.Priority),
			Required:     r.required[t],
			LastError:    st.LastError,
		}
	}
	return out
}

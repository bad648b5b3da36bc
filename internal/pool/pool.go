// Package pool manages per-agent-type execution slots with health checks
// and autoscaling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/metrics"
)

// ErrUnavailable means no healthy slot exists for the agent type.
var ErrUnavailable = errors.New("no capacity")

// Handle identifies one provisioned slot.
type Handle struct {
	ID      string
	Type    agent.Type
	Adapter agent.Adapter
}

// Provider creates, probes and tears down slots.
type Provider interface {
	Provision(ctx context.Context, t agent.Type) (Handle, error)
	Decommission(ctx context.Context, h Handle) error
	Check(ctx context.Context, h Handle) error
}

type Options struct {
	MinSlots       int
	MaxSlots       int
	HighWater      int
	HealthInterval time.Duration
	ScaleUpWindow  time.Duration
	Cooldown       time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

func OptionsFromConfig(cfg config.PoolConfig) Options {
	return Options{
		MinSlots:       cfg.MinSlots,
		MaxSlots:       cfg.MaxSlots,
		HighWater:      cfg.HighWater,
		HealthInterval: cfg.HealthInterval,
		ScaleUpWindow:  cfg.ScaleUpWindow,
		Cooldown:       cfg.Cooldown,
	}
}

type slot struct {
	handle    Handle
	inst      *agent.Instance
	healthy   bool
	busy      bool
	lastCheck time.Time
	lastErr   string
}

type Pool struct {
	provider Provider
	descs    map[agent.Type]agent.Descriptor
	opts     Options

	mu            sync.Mutex
	slots         map[agent.Type][]*slot
	waiting       map[agent.Type]int
	// rejected counts Acquire calls refused for lack of healthy slots,
	// halved on every scaling decision.
	rejected      map[agent.Type]int
	pressureSince map[agent.Type]time.Time
	idleSince     map[agent.Type]time.Time
	changed       chan struct{}
}

func New(provider Provider, descs map[agent.Type]agent.Descriptor, opts Options) *Pool {
	if opts.MaxSlots < 1 {
		opts.MaxSlots = 1
	}
	if opts.MinSlots > opts.MaxSlots {
		opts.MinSlots = opts.MaxSlots
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		provider:      provider,
		descs:         descs,
		opts:          opts,
		slots:         make(map[agent.Type][]*slot),
		waiting:       make(map[agent.Type]int),
		rejected:      make(map[agent.Type]int),
		pressureSince: make(map[agent.Type]time.Time),
		idleSince:     make(map[agent.Type]time.Time),
		changed:       make(chan struct{}),
	}
}

// Lease is exclusive use of one slot until Release.
type Lease struct {
	pool *Pool
	slot *slot
	once sync.Once
}

func (l *Lease) SlotID() string {
	return l.slot.handle.ID
}

// Run executes task on the leased slot.
func (l *Lease) Run(ctx context.Context, task agent.Task) (agent.Result, error) {
	return l.slot.inst.Run(ctx, task)
}

func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.slot) })
}

// Start provisions MinSlots for every type. Types whose provisioning fails
// start with zero slots and are retried by the autoscaler.
func (p *Pool) Start(ctx context.Context) {
	for _, t := range p.types() {
		for i := 0; i < p.opts.MinSlots; i++ {
			if err := p.provision(ctx, t); err != nil {
				slog.Error("failed to provision slot", "agent", t, "error", err)
				break
			}
		}
	}
	p.publishMetrics()
}

// Run performs health checks and scaling every HealthInterval until ctx is
// done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, p.opts.Now())
		}
	}
}

// Acquire returns a lease on an idle healthy slot of type t. It fails with
// ErrUnavailable at once when t has no healthy slot, and otherwise waits.
func (p *Pool) Acquire(ctx context.Context, t agent.Type) (*Lease, error) {
	for {
		p.mu.Lock()
		healthy := 0
		var free *slot
		for _, s := range p.slots[t] {
			if !s.healthy {
				continue
			}
			healthy++
			if !s.busy && free == nil {
				free = s
			}
		}
		if healthy == 0 {
			p.rejected[t]++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w for %s", ErrUnavailable, t)
		}
		if free != nil {
			free.busy = true
			p.mu.Unlock()
			return &Lease{pool: p, slot: free}, nil
		}
		p.waiting[t]++
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
		}

		p.mu.Lock()
		p.waiting[t]--
		p.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	s.busy = false
	p.broadcastLocked()
	p.mu.Unlock()
}

// broadcastLocked wakes every waiting Acquire.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) types() []agent.Type {
	out := make([]agent.Type, 0, len(p.descs))
	for t := range p.descs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (p *Pool) provision(ctx context.Context, t agent.Type) error {
	h, err := p.provider.Provision(ctx, t)
	if err != nil {
		return err
	}
	s := &slot{
		handle:    h,
		inst:      agent.NewInstance(p.descs[t], h.Adapter),
		healthy:   true,
		lastCheck: p.opts.Now(),
	}
	p.mu.Lock()
	p.slots[t] = append(p.slots[t], s)
	p.broadcastLocked()
	p.mu.Unlock()
	slog.Info("slot provisioned", "agent", t, "slot", h.ID)
	return nil
}

// tick refreshes slot health and applies the scaling rules once.
func (p *Pool) tick(ctx context.Context, now time.Time) {
	p.checkHealth(ctx, now)

	for _, t := range p.types() {
		switch p.scaleDecision(t, now) {
		case scaleUp:
			if err := p.provision(ctx, t); err != nil {
				slog.Warn("scale up failed", "agent", t, "error", err)
				continue
			}
			p.opts.Metrics.IncPoolScaling(string(t), "up")
		case scaleDown:
			if s := p.detachIdle(t); s != nil {
				if err := p.provider.Decommission(ctx, s.handle); err != nil {
					slog.Warn("decommission failed", "agent", t, "slot", s.handle.ID, "error", err)
				}
				slog.Info("slot decommissioned", "agent", t, "slot", s.handle.ID)
				p.opts.Metrics.IncPoolScaling(string(t), "down")
			}
		}
	}
	p.publishMetrics()
}

func (p *Pool) checkHealth(ctx context.Context, now time.Time) {
	p.mu.Lock()
	var all []*slot
	for _, ss := range p.slots {
		all = append(all, ss...)
	}
	p.mu.Unlock()

	timeout := p.opts.HealthInterval / 2
	if timeout < time.Second {
		timeout = time.Second
	}
	results := make([]error, len(all))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, s := range all {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			results[i] = p.provider.Check(cctx, s.handle)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range all {
		was := s.healthy
		s.lastCheck = now
		if err := results[i]; err != nil {
			s.healthy = false
			s.lastErr = err.Error()
			if was {
				slog.Warn("slot unhealthy", "agent", s.handle.Type, "slot", s.handle.ID, "error", err)
			}
			continue
		}
		s.healthy = true
		s.lastErr = ""
		if !was {
			slog.Info("slot recovered", "agent", s.handle.Type, "slot", s.handle.ID)
		}
	}
	p.broadcastLocked()
}

type decision int

const (
	hold decision = iota
	scaleUp
	scaleDown
)

func (p *Pool) scaleDecision(t agent.Type, now time.Time) decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.slots[t])
	healthy, busy, idle := 0, 0, 0
	for _, s := range p.slots[t] {
		if s.busy {
			busy++
		}
		if s.healthy {
			healthy++
			if !s.busy {
				idle++
			}
		}
	}
	demand := busy + p.waiting[t] + p.rejected[t]
	p.rejected[t] /= 2

	if total < p.opts.MinSlots {
		return scaleUp
	}

	if demand > healthy && total < p.opts.MaxSlots {
		since, ok := p.pressureSince[t]
		if !ok {
			p.pressureSince[t] = now
			since = now
		}
		if now.Sub(since) >= p.opts.ScaleUpWindow {
			delete(p.pressureSince, t)
			return scaleUp
		}
	} else {
		delete(p.pressureSince, t)
	}

	if idle > p.opts.HighWater && total > p.opts.MinSlots {
		since, ok := p.idleSince[t]
		if !ok {
			p.idleSince[t] = now
			since = now
		}
		if now.Sub(since) >= p.opts.Cooldown {
			delete(p.idleSince, t)
			return scaleDown
		}
	} else {
		delete(p.idleSince, t)
	}
	return hold
}

// detachIdle removes one idle slot of type t, preferring unhealthy ones.
func (p *Pool) detachIdle(t agent.Type) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss := p.slots[t]
	pick := -1
	for i, s := range ss {
		if s.busy {
			continue
		}
		if pick < 0 || (!s.healthy && ss[pick].healthy) {
			pick = i
		}
	}
	if pick < 0 {
		return nil
	}
	s := ss[pick]
	p.slots[t] = append(ss[:pick:pick], ss[pick+1:]...)
	return s
}

// Close decommissions every slot.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	var all []*slot
	for t, ss := range p.slots {
		all = append(all, ss...)
		delete(p.slots, t)
	}
	p.broadcastLocked()
	p.mu.Unlock()

	for _, s := range all {
		if err := p.provider.Decommission(ctx, s.handle); err != nil {
			slog.Warn("decommission failed", "slot", s.handle.ID, "error", err)
		}
	}
}

// SlotInfo describes one slot for the pool endpoint.
type SlotInfo struct {
	ID          string    `json:"id"`
	Healthy     bool      `json:"healthy"`
	Busy        bool      `json:"busy"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastCheck   time.Time `json:"last_check"`
	LastError   string    `json:"last_error,omitempty"`
}

type TypeStats struct {
	Slots   int        `json:"slots"`
	Healthy int        `json:"healthy"`
	Busy    int        `json:"busy"`
	Waiting int        `json:"waiting"`
	Details []SlotInfo `json:"details"`
}

func (p *Pool) Stats() map[agent.Type]TypeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[agent.Type]TypeStats, len(p.descs))
	for t := range p.descs {
		st := TypeStats{Waiting: p.waiting[t], Details: []SlotInfo{}}
		for _, s := range p.slots[t] {
			st.Slots++
			if s.healthy {
				st.Healthy++
			}
			if s.busy {
				st.Busy++
			}
			st.Details = append(st.Details, SlotInfo{
				ID:          s.handle.ID,
				Healthy:     s.healthy,
				Busy:        s.busy,
				CurrentTask: s.inst.State().CurrentTask,
				LastCheck:   s.lastCheck,
				LastError:   s.lastErr,
			})
		}
		out[t] = st
	}
	return out
}

func (p *Pool) publishMetrics() {
	if p.opts.Metrics == nil {
		return
	}
	for t, st := range p.Stats() {
		p.opts.Metrics.SetPoolSlots(string(t), st.Healthy, st.Slots-st.Healthy, st.Busy)
	}
}

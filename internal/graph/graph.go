// Package graph resolves the agent dependency policy into a validated DAG.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
)

var (
	ErrCycle        = errors.New("dependency graph contains a cycle")
	ErrUnknownAgent = errors.New("unknown agent type")
)

// Edge means To consumes the output of From.
type Edge struct {
	From agent.Type
	To   agent.Type
}

// Policy is the dependency policy expressed as data. Hard edges gate
// execution; soft edges only influence sequential ordering.
type Policy struct {
	Hard []Edge
	Soft []Edge
}

var generators = []agent.Type{
	agent.VideoGeneration,
	agent.MusicGeneration,
	agent.ImageGeneration,
	agent.VoiceSpeech,
}

// DefaultPolicy returns the built-in production pipeline.
func DefaultPolicy() Policy {
	var p Policy
	for _, g := range generators {
		p.Hard = append(p.Hard, Edge{From: agent.ContentAnalysis, To: g})
		p.Hard = append(p.Hard, Edge{From: g, To: agent.Editing})
		p.Soft = append(p.Soft, Edge{From: g, To: agent.Safety})
	}
	p.Hard = append(p.Hard,
		Edge{From: agent.Editing, To: agent.Optimization},
		Edge{From: agent.Optimization, To: agent.SocialMedia},
	)
	p.Soft = append(p.Soft, Edge{From: agent.Editing, To: agent.Analytics})
	return p
}

// PolicyFromConfig builds a policy from the YAML graph section. An empty
// section yields DefaultPolicy.
func PolicyFromConfig(cfg config.GraphConfig) (Policy, error) {
	if len(cfg.Hard) == 0 && len(cfg.Soft) == 0 {
		return DefaultPolicy(), nil
	}
	var p Policy
	var err error
	if p.Hard, err = edgesFromConfig(cfg.Hard); err != nil {
		return Policy{}, fmt.Errorf("graph.hard: %w", err)
	}
	if p.Soft, err = edgesFromConfig(cfg.Soft); err != nil {
		return Policy{}, fmt.Errorf("graph.soft: %w", err)
	}
	return p, nil
}

func edgesFromConfig(in []config.EdgeConfig) ([]Edge, error) {
	var out []Edge
	for _, e := range in {
		from, err := agent.ParseType(e.From)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, e.From)
		}
		for _, name := range e.To {
			to, err := agent.ParseType(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
			}
			out = append(out, Edge{From: from, To: to})
		}
	}
	return out, nil
}

// Graph is an immutable, validated dependency graph over a set of agents.
type Graph struct {
	types      []agent.Type
	priority   map[agent.Type]agent.Priority
	hard       map[agent.Type][]agent.Type
	soft       map[agent.Type][]agent.Type
	dependents map[agent.Type][]agent.Type
	order      []agent.Type
	layers     [][]agent.Type
	layerOf    map[agent.Type]int
}

// Resolve validates policy against the registered descriptors and
// precomputes the sequential order and hybrid layers.
func Resolve(descs map[agent.Type]agent.Descriptor, policy Policy) (*Graph, error) {
	g := &Graph{
		priority:   make(map[agent.Type]agent.Priority, len(descs)),
		hard:       make(map[agent.Type][]agent.Type),
		soft:       make(map[agent.Type][]agent.Type),
		dependents: make(map[agent.Type][]agent.Type),
		layerOf:    make(map[agent.Type]int),
	}
	for t, d := range descs {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, t)
		}
		g.types = append(g.types, t)
		g.priority[t] = d.Priority
	}
	sort.Slice(g.types, func(i, j int) bool { return g.types[i].Index() < g.types[j].Index() })

	add := func(edges []Edge, into map[agent.Type][]agent.Type, kind string) error {
		seen := make(map[Edge]bool)
		for _, e := range edges {
			for _, t := range []agent.Type{e.From, e.To} {
				if _, ok := descs[t]; !ok {
					return fmt.Errorf("%s edge %s -> %s: %w: %q", kind, e.From, e.To, ErrUnknownAgent, t)
				}
			}
			if e.From == e.To {
				return fmt.Errorf("%s edge on %s: %w", kind, e.From, ErrCycle)
			}
			if seen[e] {
				continue
			}
			seen[e] = true
			into[e.To] = append(into[e.To], e.From)
		}
		return nil
	}
	if err := add(policy.Hard, g.hard, "hard"); err != nil {
		return nil, err
	}
	if err := add(policy.Soft, g.soft, "soft"); err != nil {
		return nil, err
	}
	for to, froms := range g.hard {
		g.sortTypes(froms)
		for _, from := range froms {
			g.dependents[from] = append(g.dependents[from], to)
		}
	}
	for _, froms := range g.soft {
		g.sortTypes(froms)
	}
	for _, ds := range g.dependents {
		g.sortTypes(ds)
	}

	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	layers, err := g.hardLayers()
	if err != nil {
		return nil, err
	}
	g.layers = layers
	for i, layer := range layers {
		for _, t := range layer {
			g.layerOf[t] = i
		}
	}

	return g, nil
}

// less orders by priority class, then canonical type position.
func (g *Graph) less(a, b agent.Type) bool {
	ra, rb := g.priority[a].Rank(), g.priority[b].Rank()
	if ra != rb {
		return ra < rb
	}
	return a.Index() < b.Index()
}

func (g *Graph) sortTypes(ts []agent.Type) {
	sort.Slice(ts, func(i, j int) bool { return g.less(ts[i], ts[j]) })
}

// topoOrder runs Kahn's algorithm over hard and soft edges, always picking
// the best-ranked available node.
func (g *Graph) topoOrder() ([]agent.Type, error) {
	inDegree := make(map[agent.Type]int, len(g.types))
	out := make(map[agent.Type][]agent.Type)
	for _, t := range g.types {
		inDegree[t] = len(g.hard[t]) + len(g.soft[t])
		for _, from := range g.hard[t] {
			out[from] = append(out[from], t)
		}
		for _, from := range g.soft[t] {
			out[from] = append(out[from], t)
		}
	}

	var avail []agent.Type
	for _, t := range g.types {
		if inDegree[t] == 0 {
			avail = append(avail, t)
		}
	}

	order := make([]agent.Type, 0, len(g.types))
	for len(avail) > 0 {
		g.sortTypes(avail)
		next := avail[0]
		avail = avail[1:]
		order = append(order, next)
		for _, to := range out[next] {
			inDegree[to]--
			if inDegree[to] == 0 {
				avail = append(avail, to)
			}
		}
	}

	if len(order) != len(g.types) {
		return nil, fmt.Errorf("%w among %s", ErrCycle, g.remaining(order))
	}
	return order, nil
}

// hardLayers groups agents by their longest hard-dependency chain depth.
func (g *Graph) hardLayers() ([][]agent.Type, error) {
	inDegree := make(map[agent.Type]int, len(g.types))
	depth := make(map[agent.Type]int, len(g.types))
	queue := make([]agent.Type, 0, len(g.types))
	for _, t := range g.types {
		inDegree[t] = len(g.hard[t])
		if inDegree[t] == 0 {
			queue = append(queue, t)
		}
	}

	processed := 0
	maxDepth := 0
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range g.dependents[t] {
			inDegree[next]--
			if d := depth[t] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
		if depth[t] > maxDepth {
			maxDepth = depth[t]
		}
	}
	if processed != len(g.types) {
		return nil, ErrCycle
	}

	layers := make([][]agent.Type, maxDepth+1)
	for _, t := range g.types {
		layers[depth[t]] = append(layers[depth[t]], t)
	}
	for _, l := range layers {
		g.sortTypes(l)
	}
	return layers, nil
}

func (g *Graph) remaining(done []agent.Type) string {
	seen := make(map[agent.Type]bool, len(done))
	for _, t := range done {
		seen[t] = true
	}
	var names []string
	for _, t := range g.types {
		if !seen[t] {
			names = append(names, string(t))
		}
	}
	return strings.Join(names, ", ")
}

// Types returns the agents in the graph in canonical order.
func (g *Graph) Types() []agent.Type {
	return append([]agent.Type(nil), g.types...)
}

func (g *Graph) Has(t agent.Type) bool {
	_, ok := g.priority[t]
	return ok
}

func (g *Graph) HardDeps(t agent.Type) []agent.Type {
	return append([]agent.Type(nil), g.hard[t]...)
}

func (g *Graph) SoftDeps(t agent.Type) []agent.Type {
	return append([]agent.Type(nil), g.soft[t]...)
}

// Dependents returns the agents with a hard dependency on t.
func (g *Graph) Dependents(t agent.Type) []agent.Type {
	return append([]agent.Type(nil), g.dependents[t]...)
}

// Order is the sequential execution order.
func (g *Graph) Order() []agent.Type {
	return append([]agent.Type(nil), g.order...)
}

// Layers returns the hybrid layers, earliest first.
func (g *Graph) Layers() [][]agent.Type {
	out := make([][]agent.Type, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]agent.Type(nil), l...)
	}
	return out
}

// Layer returns the hybrid layer index of t, or -1.
func (g *Graph) Layer(t agent.Type) int {
	if l, ok := g.layerOf[t]; ok {
		return l
	}
	return -1
}

// Ancestors returns every agent t transitively hard-depends on.
func (g *Graph) Ancestors(t agent.Type) []agent.Type {
	seen := make(map[agent.Type]bool)
	stack := append([]agent.Type(nil), g.hard[t]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.hard[n]...)
	}
	out := make([]agent.Type, 0, len(seen))
	for _, x := range g.types {
		if seen[x] {
			out = append(out, x)
		}
	}
	return out
}

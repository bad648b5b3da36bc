// Package container provisions worker slots as Docker containers. Each
// container runs `clipforge worker` for one agent type and is reached over
// NATS.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/pool"
)

const (
	labelPrefix        = "clipforge"
	defaultNetworkName = "clipforge-net"
	containerConfigDir = "/etc/clipforge"
)

// Options describe how slot containers are started.
type Options struct {
	Image       string
	Network     string
	NATSURL     string
	ArtifactDir string
	// ConfigPath is mounted read-only so workers build the same adapters as
	// the gateway.
	ConfigPath string
	Env        map[string]string
}

// Provider implements pool.Provider on top of the Docker engine.
type Provider struct {
	docker *client.Client
	bus    *natsbus.Client
	opts   Options

	mu          sync.RWMutex
	active      map[string]*SlotContainer // slot ID → container
	networkName string
}

type SlotContainer struct {
	ID        string     `json:"id"`
	SlotID    string     `json:"slot_id"`
	Agent     agent.Type `json:"agent"`
	Name      string     `json:"name"`
	StartedAt time.Time  `json:"started_at"`
}

func OptionsFromConfig(cfg *config.Config, natsURL string) Options {
	configPath := os.Getenv("CLIPFORGE_CONFIG")
	if configPath == "" {
		configPath = "config/clipforge.yaml"
	}
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}
	return Options{
		Image:       cfg.Pool.Image,
		Network:     cfg.Pool.Network,
		NATSURL:     natsURL,
		ArtifactDir: cfg.Store.ArtifactDir,
		ConfigPath:  configPath,
	}
}

func NewProvider(bus *natsbus.Client, opts Options) (*Provider, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.Network == "" {
		opts.Network = defaultNetworkName
	}
	return &Provider{
		docker: docker,
		bus:    bus,
		opts:   opts,
		active: make(map[string]*SlotContainer),
	}, nil
}

func (p *Provider) ensureNetwork(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.networkName != "" {
		return nil
	}

	if _, err := p.docker.NetworkInspect(ctx, p.opts.Network, network.InspectOptions{}); err == nil {
		p.networkName = p.opts.Network
		return nil
	}

	// Compose setups create the network; plain runs need it created here.
	_, err := p.docker.NetworkCreate(ctx, p.opts.Network, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", p.opts.Network, err)
	}
	p.networkName = p.opts.Network
	slog.Info("created docker network", "network", p.opts.Network)
	return nil
}

// Provision starts one worker container and returns a handle whose adapter
// talks to it over NATS.
func (p *Provider) Provision(ctx context.Context, t agent.Type) (pool.Handle, error) {
	if err := p.ensureNetwork(ctx); err != nil {
		return pool.Handle{}, err
	}

	slotID := newSlotID(t)
	name := containerName(slotID)

	cfg := &dockercontainer.Config{
		Image:  p.opts.Image,
		Cmd:    workerCommand(t, slotID),
		Env:    containerEnv(p.opts),
		Labels: slotLabels(t, slotID),
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       buildMounts(p.opts),
		NetworkMode: dockercontainer.NetworkMode(p.opts.Network),
	}

	resp, err := p.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return pool.Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := p.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = p.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return pool.Handle{}, fmt.Errorf("start container: %w", err)
	}

	p.mu.Lock()
	p.active[slotID] = &SlotContainer{
		ID:        resp.ID,
		SlotID:    slotID,
		Agent:     t,
		Name:      name,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()

	slog.Info("worker container started", "agent", t, "slot", slotID, "container", shortID(resp.ID))
	return pool.Handle{
		ID:      slotID,
		Type:    t,
		Adapter: agent.NewNATSAdapter(p.bus, slotID),
	}, nil
}

func (p *Provider) Decommission(ctx context.Context, h pool.Handle) error {
	p.mu.Lock()
	info, ok := p.active[h.ID]
	delete(p.active, h.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	timeout := 10
	if err := p.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(info.ID), "error", err)
	}
	if err := p.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", info.Name, err)
	}
	slog.Info("worker container stopped", "agent", h.Type, "slot", h.ID)
	return nil
}

// Check verifies the container is running and the worker answers its
// health topic.
func (p *Provider) Check(ctx context.Context, h pool.Handle) error {
	p.mu.RLock()
	info, ok := p.active[h.ID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("slot %s has no container", h.ID)
	}

	inspect, err := p.docker.ContainerInspect(ctx, info.ID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("container %s is not running", info.Name)
	}

	if hc, ok := h.Adapter.(agent.HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

func (p *Provider) List() []SlotContainer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SlotContainer, 0, len(p.active))
	for _, info := range p.active {
		out = append(out, *info)
	}
	return out
}

// CleanupStale removes labelled containers left behind by a previous
// gateway process.
func (p *Provider) CleanupStale(ctx context.Context) error {
	args := filters.NewArgs()
	args.Add("label", labelPrefix+".managed=true")

	containers, err := p.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	p.mu.RLock()
	known := make(map[string]bool, len(p.active))
	for _, info := range p.active {
		known[info.ID] = true
	}
	p.mu.RUnlock()

	for _, c := range containers {
		if known[c.ID] {
			continue
		}
		slog.Info("cleaning up stale container", "container", shortID(c.ID))
		_ = p.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func (p *Provider) BuildImage(ctx context.Context, contextDir string) error {
	return BuildWorkerImage(ctx, p.docker, contextDir, p.opts.Image)
}

func (p *Provider) Close() error {
	return p.docker.Close()
}

func newSlotID(t agent.Type) string {
	return fmt.Sprintf("%s-%s", t, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func containerName(slotID string) string {
	return "clipforge-slot-" + slotID
}

func workerCommand(t agent.Type, slotID string) []string {
	return []string{"worker", "--agent", string(t), "--slot", slotID}
}

func slotLabels(t agent.Type, slotID string) map[string]string {
	return map[string]string{
		labelPrefix + ".managed": "true",
		labelPrefix + ".agent":   string(t),
		labelPrefix + ".slot":    slotID,
	}
}

func containerEnv(opts Options) []string {
	env := []string{"CLIPFORGE_NATS_URL=" + opts.NATSURL}
	if opts.ConfigPath != "" {
		env = append(env, "CLIPFORGE_CONFIG="+containerConfigDir+"/clipforge.yaml")
	}
	if opts.ArtifactDir != "" {
		env = append(env, "CLIPFORGE_ARTIFACT_DIR="+artifactMount)
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

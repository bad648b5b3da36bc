package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/store"
	"github.com/mtzanidakis/clipforge/internal/vault"
)

var (
	workerAgent string
	workerSlot  string
	workerNATS  string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve one agent type as a pool slot over NATS",
	Long: `Run a single agent type and answer execute and health requests on the
slot's NATS topics. The docker pool provider starts one worker per slot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerAgent, "agent", "", "agent type to serve")
	workerCmd.Flags().StringVar(&workerSlot, "slot", "", "slot id (defaults to the agent type)")
	workerCmd.Flags().StringVar(&workerNATS, "nats-url", os.Getenv("CLIPFORGE_NATS_URL"), "NATS server URL")
	_ = workerCmd.MarkFlagRequired("agent")
}

func runWorker() error {
	t, err := agent.ParseType(workerAgent)
	if err != nil {
		return err
	}
	slotID := workerSlot
	if slotID == "" {
		slotID = string(t)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	natsURL := workerNATS
	if natsURL == "" {
		natsURL = fmt.Sprintf("nats://%s:%d", cfg.NATS.Host, cfg.NATS.Port)
	}

	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return err
	}
	defer client.Close()

	secrets, closeSecrets, err := workerSecrets(cfg)
	if err != nil {
		return err
	}
	defer closeSecrets()

	reg, err := registry.FromConfig(workerConfig(cfg), secrets, nil)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}
	inst, ok := reg.Instance(t)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, t)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting worker", "agent", t, "slot", slotID, "nats", natsURL)
	return agent.Serve(ctx, client, slotID, inst)
}

// workerConfig returns a copy of cfg in which nats agents run simulated, so
// a worker never forwards over NATS to itself.
func workerConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Agents = make(map[string]config.AgentConfig, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		if ac.Kind == agent.KindNATS {
			ac.Kind = agent.KindSimulated
		}
		out.Agents[name] = ac
	}
	return &out
}

// workerSecrets opens the vault when the worker shares the gateway store;
// http adapters referencing secrets need it.
func workerSecrets(cfg *config.Config) (*vault.Secrets, func(), error) {
	if cfg.Vault.Passphrase == "" {
		return nil, func() {}, nil
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		slog.Warn("store not reachable from worker, secrets disabled", "path", cfg.Store.Path)
		return nil, func() {}, nil
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init vault: %w", err)
	}
	return vault.NewSecrets(db, v), func() { db.Close() }, nil
}

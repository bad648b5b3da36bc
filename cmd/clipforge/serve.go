package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/container"
	"github.com/mtzanidakis/clipforge/internal/graph"
	"github.com/mtzanidakis/clipforge/internal/metrics"
	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/pool"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/scheduler"
	"github.com/mtzanidakis/clipforge/internal/store"
	"github.com/mtzanidakis/clipforge/internal/telegram"
	"github.com/mtzanidakis/clipforge/internal/trigger"
	"github.com/mtzanidakis/clipforge/internal/vault"
	"github.com/mtzanidakis/clipforge/internal/web"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

var buildImage bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway: embedded NATS, the agent registry and optional worker
pool, the workflow scheduler, schedule triggers, the Telegram notifier and the
HTTP API. SIGHUP reloads the reloadable parts of the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&buildImage, "build-image", false, "build the worker image before starting the docker pool")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel == "" {
		setupLogging(cfg.LogLevel)
	}

	slog.Info("starting clipforge gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	busClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer busClient.Close()
	slog.Info("nats started", "url", bus.ClientURL())

	// Vault
	var secrets *vault.Secrets
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		secrets = vault.NewSecrets(db, v)
	} else {
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	// Agent registry and dependency graph
	reg, err := registry.FromConfig(cfg, secrets, busClient)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}
	if err := reg.Sync(db); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	policy, err := graph.PolicyFromConfig(cfg.Graph)
	if err != nil {
		return fmt.Errorf("graph policy: %w", err)
	}
	g, err := graph.Resolve(reg.Descriptors(), policy)
	if err != nil {
		return fmt.Errorf("resolve dependency graph: %w", err)
	}
	slog.Info("dependency graph resolved", "order", g.Order(), "layers", len(g.Layers()))

	mx := metrics.Default()

	// Worker pool
	var slots *pool.Pool
	var exec scheduler.Executor
	if cfg.Pool.Enabled {
		provider, cleanup, err := newProvider(ctx, cfg, bus, busClient, reg)
		if err != nil {
			return fmt.Errorf("init pool provider: %w", err)
		}
		defer cleanup()

		opts := pool.OptionsFromConfig(cfg.Pool)
		opts.Metrics = mx
		slots = pool.New(provider, reg.Descriptors(), opts)
		slots.Start(ctx)
		go slots.Run(ctx)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer closeCancel()
			slots.Close(closeCtx)
		}()
		exec = scheduler.NewPoolExecutor(slots)
		slog.Info("worker pool started", "provider", cfg.Pool.Provider)
	}

	// Workflow store with archive
	archive := workflow.NewSQLArchive(db)
	runs, err := workflow.New(workflow.Options{
		Retention: cfg.Store.Retention,
		CacheSize: cfg.Store.ArchiveCache,
		Archive:   archive,
	})
	if err != nil {
		return fmt.Errorf("init workflow store: %w", err)
	}
	go runs.RunEviction(ctx, time.Minute)

	// Scheduler
	schedOpts, err := scheduler.OptionsFromConfig(cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	schedOpts.Events = busClient
	schedOpts.Metrics = mx
	sched := scheduler.New(runs, g, reg, exec, schedOpts)
	slog.Info("scheduler ready", "mode", schedOpts.Mode)

	// Schedule triggers
	var trig *trigger.Trigger
	if cfg.Trigger.Enabled {
		trig = trigger.New(db, sched, busClient, cfg.Trigger.PollInterval)
		go trig.Start(ctx)
		slog.Info("trigger started", "poll_interval", cfg.Trigger.PollInterval)
	}

	// Telegram notifier
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram, sched)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		if err := bot.Subscribe(busClient); err != nil {
			return fmt.Errorf("subscribe telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		defer bot.Stop()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// HTTP API
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Scheduler: sched,
			Registry:  reg,
			Store:     db,
			Pool:      slots,
			Archive:   archive,
			Trigger:   trig,
			Secrets:   secrets,
			Bus:       busClient,
		}, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadConfig(cfg, sched, trig, bot)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Warn("scheduler shutdown incomplete", "error", err)
	}
	cancel()
	return nil
}

// reloadConfig applies the reloadable parts of a changed config file. Agent
// and graph changes need a restart.
func reloadConfig(current *config.Config, sched *scheduler.Scheduler, trig *trigger.Trigger, bot *telegram.Bot) {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	d := config.Diff(current, next)
	if !d.HasChanges() && len(d.NonReloadable) == 0 {
		slog.Info("config reload: no changes")
		return
	}

	if d.SchedulerChanged {
		if err := sched.UpdateConfig(d.NewScheduler); err != nil {
			slog.Error("scheduler reload failed", "error", err)
		} else {
			current.Scheduler = d.NewScheduler
		}
	}
	if d.TriggerChanged && trig != nil {
		trig.UpdateConfig(d.NewPollInterval.PollInterval)
		current.Trigger = d.NewPollInterval
	}
	if d.ChatIDChanged && bot != nil {
		bot.UpdateChatID(d.NewChatID)
		current.Telegram.ChatID = d.NewChatID
	}
	agents := append(append(append([]string(nil), d.AgentsAdded...), d.AgentsRemoved...), d.AgentsChanged...)
	if len(agents) > 0 {
		slog.Warn("agent changes need a restart", "agents", agents)
	}
	for _, field := range d.NonReloadable {
		slog.Warn("config change needs a restart", "field", field)
	}
}

// newProvider picks the slot provider. Local slots reuse the registry
// adapters in-process; docker slots run `clipforge worker` containers.
func newProvider(ctx context.Context, cfg *config.Config, bus *natsbus.Bus, client *natsbus.Client, reg *registry.Registry) (pool.Provider, func(), error) {
	switch cfg.Pool.Provider {
	case config.ProviderDocker:
		p, err := container.NewProvider(client, container.OptionsFromConfig(cfg, bus.WorkerURL()))
		if err != nil {
			return nil, nil, err
		}
		if err := p.CleanupStale(ctx); err != nil {
			slog.Warn("stale container cleanup failed", "error", err)
		}
		if buildImage {
			cwd, _ := os.Getwd()
			if err := p.BuildImage(ctx, cwd); err != nil {
				return nil, nil, fmt.Errorf("build worker image: %w", err)
			}
		}
		return p, func() { _ = p.Close() }, nil
	default:
		return pool.NewLocalProvider(func(t agent.Type) (agent.Adapter, error) {
			inst, ok := reg.Instance(t)
			if !ok {
				return nil, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, t)
			}
			return inst.Adapter(), nil
		}), func() {}, nil
	}
}

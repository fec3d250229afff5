package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"atrium/internal/bus"
	"atrium/internal/capability"
	"atrium/internal/config"
	"atrium/internal/coordinator"
	"atrium/internal/delivery"
	"atrium/internal/director"
	atriumerrors "atrium/internal/errors"
	"atrium/internal/health"
	"atrium/internal/id"
	"atrium/internal/logging"
	"atrium/internal/scheduler"
	"atrium/internal/server"
	"atrium/internal/state"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "atriumd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var httpAddr string
	var debug bool

	rootCmd := &cobra.Command{
		Use:     "atriumd",
		Short:   "Building assistant mission orchestration engine",
		Long:    "atriumd runs the director, coordinator, health monitor and HTTP surface of the building assistant.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr := viper.GetString("http_addr"); addr != "" {
				cfg.HTTPAddr = addr
			}
			return run(cmd.Context(), cfg, meta, debug)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to atrium config file (YAML)")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging and gin debug mode")

	viper.SetEnvPrefix("ATRIUM")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("http_addr", rootCmd.Flags().Lookup("http-addr"))

	return rootCmd
}

func run(ctx context.Context, cfg config.Config, meta config.Metadata, debug bool) error {
	logger := logging.NewComponentLogger("Atriumd")
	logger.Info("starting atriumd version=%s bus=%s store=%s", version, cfg.BusBackend, cfg.StoreBackend)
	for field, src := range meta.Sources() {
		logger.Debug("config %s from %s", field, src)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Per-process identity. Subscriptions that must see every message on a
	// shared broker (health, delivery) derive their consumer groups from it.
	instanceID := id.NewKSUID()[:8]

	// State store.
	store, cleanupStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupStore()

	// Event bus.
	eventBus, err := buildBus(cfg, instanceID)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	// Capability registry with configured policy overrides.
	registry := capability.NewDefaultRegistry()
	for name, policy := range cfg.Capabilities {
		registry.Register(name, capability.Policy{
			Timeout:     policy.Timeout,
			MaxAttempts: policy.MaxAttempts,
		})
	}

	// Health monitor consumes heartbeats and backs dispatch liveness checks.
	// Every instance keeps its own liveness view, so the group is unique per
	// process rather than shared.
	monitor := health.NewMonitor(cfg.HeartbeatTTL, logging.NewComponentLogger("Health"))
	if err := monitor.Start(eventBus, "health-monitor-"+instanceID); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}

	rules := coordinator.NewDefaultRuleSet()

	coordCfg := coordinator.DefaultConfig()
	coordCfg.MissionDeadline = cfg.MissionDeadline
	coordCfg.Retry = atriumerrors.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		JitterFactor: cfg.RetryJitterFactor,
	}
	coordCfg.BreakerEnabled = cfg.BreakerEnabled

	coord, err := coordinator.New(store, eventBus, registry, coordCfg, coordinator.Options{
		Liveness: monitor,
		Rules:    rules,
		Logger:   logging.NewComponentLogger("Coordinator"),
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if err := coord.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	dir, err := director.New(store, eventBus, rules, logging.NewComponentLogger("Director"))
	if err != nil {
		return fmt.Errorf("build director: %w", err)
	}
	if err := dir.Start(); err != nil {
		return fmt.Errorf("start director: %w", err)
	}

	hub := delivery.NewHub(logging.NewComponentLogger("Delivery"))
	if err := hub.Start(eventBus, "delivery-"+instanceID); err != nil {
		return fmt.Errorf("start delivery hub: %w", err)
	}
	defer hub.Close()

	sweeper := scheduler.New(scheduler.Config{
		Interval: cfg.SweepInterval,
	}, coord, logging.NewComponentLogger("Sweeper"))
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.HTTPAddr
	srvCfg.Debug = debug
	srv := server.New(srvCfg, dir, coord, store, monitor, hub, logging.NewComponentLogger("HTTP"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("atriumd stopped")
	return err
}

func buildStore(ctx context.Context, cfg config.Config) (state.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := state.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, pool.Close, nil
	default:
		return state.NewInMemoryStore(), func() {}, nil
	}
}

func buildBus(cfg config.Config, instanceID string) (bus.Bus, error) {
	switch cfg.BusBackend {
	case "redis":
		client := bus.MustRedisClient(cfg.RedisURL)
		return bus.NewRedisBus(client, "atriumd-"+instanceID, logging.NewComponentLogger("Bus")), nil
	default:
		return bus.NewInMemoryBus(logging.NewComponentLogger("Bus")), nil
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/config"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/notify"
	"github.com/Klingon-tech/escrowd/internal/rpc"
	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

var apiAddr string

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the escrow daemon",
		Long:  `Connect every configured chain, resume pending offers and serve the JSON-RPC API until interrupted.`,
		RunE:  runServe,
	}

	cmd.Flags().StringVar(&apiAddr, "api", "", "JSON-RPC API address, overrides config")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if apiAddr != "" {
		cfg.API.Listen = apiAddr
	}
	log := logging.GetDefault()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize storage
	store, err := storage.New(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	schema, _ := store.MigrationVersion()
	log.Info("Storage initialized", "driver", store.Driver(), "schema", schema)

	// Chain adapters
	registry, err := backend.NewFromConfig(cfg.Chains)
	if err != nil {
		return fmt.Errorf("failed to initialize chain adapters: %w", err)
	}
	defer registry.CloseAll()
	log.Info("Chain adapters initialized", "chains", registry.List())

	// Notification delivery
	hub := rpc.NewWSHub()
	go hub.Run(ctx)

	sinks, closeSinks, err := buildSinks(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer closeSinks()

	notifier := notify.New(store, cfg.Notify.Delivery, sinks...)
	notifier.Start()
	defer notifier.Stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Escrow engine
	engine := escrow.New(&escrow.Config{
		Store:    store,
		Registry: registry,
		Notifier: notifier,
		Options:  cfg.Escrow,
		Metrics:  escrow.NewMetrics(reg),
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start escrow engine: %w", err)
	}
	defer engine.Stop()

	// Start RPC server
	var gatherer prometheus.Gatherer
	if cfg.API.Metrics {
		gatherer = reg
	}
	rpcServer := rpc.NewServer(engine, store, hub, gatherer)
	if err := rpcServer.Start(cfg.API.Listen); err != nil {
		return err
	}

	printBanner(log, cfg, engine, rpcServer.Addr())

	// Status ticker
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := store.CountOffersByStatus()
				if err != nil {
					log.Warn("Failed to count offers", "error", err)
					continue
				}
				log.Info("Status", "offers", counts, "ws_clients", hub.ClientCount())
			}
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
	return nil
}

// buildSinks creates the configured notification sinks. The returned func
// closes the ones holding connections.
func buildSinks(ctx context.Context, cfg *config.Config, hub *rpc.WSHub) ([]notify.Sink, func(), error) {
	log := logging.GetDefault()
	sinks := []notify.Sink{hub}
	var closers []func() error

	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(log.Component("notify")))
	}

	if rc := cfg.Notify.Redis; rc != nil {
		sink, err := notify.NewRedisSink(ctx, *rc)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closers = append(closers, sink.Close)
		log.Info("Redis notifications enabled", "channel", sink.EventsChannel())
	}

	if tc := cfg.Notify.Telegram; tc != nil {
		token := os.Getenv(tc.TokenEnv)
		if token == "" {
			return nil, nil, fmt.Errorf("telegram token env %s is empty", tc.TokenEnv)
		}
		sink, err := notify.NewTelegramSink(token, *tc, escrow.OperatorIdentity)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		log.Info("Telegram notifications enabled", "operator_chat", tc.OperatorChat)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("Error closing notification sink", "error", err)
			}
		}
	}
	return sinks, closeAll, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, engine *escrow.Engine, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  escrowd")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Info("  Chains:")
	for _, c := range engine.Chains() {
		state := "connected"
		if !c.Connected {
			state = "unavailable"
		}
		log.Infof("    %-8s %-8s %s (%s)", c.Chain, c.Type, c.ServiceAddress, state)
	}
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	if cfg.API.Metrics {
		log.Infof("  Metrics: http://%s/metrics", apiAddr)
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

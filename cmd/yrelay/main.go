// Command yrelay runs the stateless CRDT relay: a cobra root command
// wiring config, logging, the broker supervisor, the snapshot store, the
// document registry, and the HTTP/WS transport together, with graceful
// shutdown on SIGINT/SIGTERM/SIGHUP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Polqt/yrelay/internal/actor"
	"github.com/Polqt/yrelay/internal/broker"
	"github.com/Polqt/yrelay/internal/cleanup"
	"github.com/Polqt/yrelay/internal/config"
	"github.com/Polqt/yrelay/internal/snapshot"
	"github.com/Polqt/yrelay/internal/transport"
)

// version is stamped at build time via -ldflags; left as "dev" for local
// builds.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "yrelay",
		Short: "Stateless relay for collaborative CRDT documents",
	}
	config.BindFlags(root.PersistentFlags())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg config.Config) error {
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting yrelay", zap.String("version", version), zap.String("storage.mode", string(cfg.StorageMode)))

	brokerFactory := func() (broker.Gateway, error) {
		return broker.NewPulsarGateway(broker.PulsarOptions{URL: cfg.Broker.URL, Token: cfg.Broker.Token}, log)
	}
	supervisor, err := broker.NewSupervisor(brokerFactory, broker.TopicName(cfg.Broker.Tenant, cfg.Broker.Namespace, cfg.Broker.TopicPrefix, "__health__"), log)
	if err != nil {
		return fmt.Errorf("broker: initial connect: %w", err)
	}
	defer supervisor.Close()

	var store snapshot.Store
	if cfg.StorageMode != config.StorageNone {
		store, err = snapshot.NewS3Store(snapshot.S3Options{
			Endpoint:  cfg.Store.Endpoint,
			Region:    cfg.Store.Region,
			Bucket:    cfg.Store.Bucket,
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
		}, log)
		if err != nil {
			return fmt.Errorf("snapshot store: %w", err)
		}
	}

	actorCfg := actor.ProductionConfig()
	actorCfg.SnapshotInterval = cfg.SnapshotInterval
	var registry *actor.Registry
	registry = actor.NewRegistry(func(ctx context.Context, name string) (*actor.Actor, error) {
		return actor.New(ctx, name, supervisor.Current(), store, cfg.StorageMode, cfg.Broker, actorCfg, registry, log)
	})
	tracker := cleanup.New(log)
	supervisor.OnReconnect = func() {
		log.Warn("broker reconnected, invalidating all document actors")
		registry.InvalidateAll(context.Background())
	}

	probeCtx, probeCancel := context.WithCancel(context.Background())
	defer probeCancel()
	go supervisor.Run(probeCtx, 15*time.Second)

	srv := transport.NewServer(registry, log, transport.WithBrokerHealth(supervisor))
	mux := http.NewServeMux()
	srv.Routes(mux)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	forcedExit := false
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown did not complete cleanly", zap.Error(err))
		forcedExit = true
	}
	probeCancel()

	for _, a := range registry.All() {
		a := a
		tracker.Track(shutdownCtx, a.State().String(), func(ctx context.Context) error {
			return a.Close(ctx)
		})
	}
	tracker.Wait(shutdownCtx)

	if forcedExit {
		return fmt.Errorf("shutdown did not complete within %s", cfg.ShutdownTimeout)
	}

	log.Info("shutdown complete")
	return nil
}

func newLogger(format, level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/bulwark/internal/api"
	"github.com/FairForge/bulwark/internal/config"
	"github.com/FairForge/bulwark/internal/controlplane"
	"github.com/FairForge/bulwark/internal/ha"
	"github.com/FairForge/bulwark/internal/logging"
	"github.com/FairForge/bulwark/internal/notify"
	"github.com/FairForge/bulwark/internal/store"
	"github.com/docker/docker/client"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// backends are the optional external connections opened for serve
type backends struct {
	opts    []controlplane.Option
	closers []func() error
}

func (b *backends) close(logger *zap.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("close backend", zap.Error(err))
		}
	}
}

func connectBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	var exporters store.Multi
	storeLog := logger.Named(logging.ComponentStore)

	if cfg.Store.Postgres.DSN != "" {
		pg, err := store.Open(cfg.Store.Postgres, storeLog)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.CreateTables(ctx); err != nil {
			return b, fmt.Errorf("create tables: %w", err)
		}
		exporters = append(exporters, pg)
		b.opts = append(b.opts, controlplane.WithHistory(pg), controlplane.WithPruner(pg))
	}

	if cfg.Store.RedisURL != "" {
		rc, err := store.ConnectRedis(ctx, cfg.Store.RedisURL, cfg.Store.RedisPrefix, cfg.Store.SnapshotTTL, storeLog)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, rc.Close)
		exporters = append(exporters, rc)
	}
	if len(exporters) > 0 {
		b.opts = append(b.opts, controlplane.WithExporter(exporters))
	}

	var nats notify.Notifier
	if url := cfg.Notify.NATS.URL; url != "" {
		nc, err := notify.ConnectNATS(url, cfg.Notify.NATS.SubjectPrefix, logger.Named(logging.ComponentNotify))
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, nc.Close)
		nats = nc
	}
	b.opts = append(b.opts, controlplane.WithNotifier(
		controlplane.BuildNotifier(cfg.Notify, nats, logger.Named(logging.ComponentNotify))))

	if cfg.Recovery.Executors.Docker {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return b, fmt.Errorf("failed to create docker client: %w", err)
		}
		b.closers = append(b.closers, cli.Close)
		b.opts = append(b.opts, controlplane.WithContainerAPI(cli))
	}
	return b, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := connectBackends(ctx, cfg, logger)
	defer b.close(logger)
	if err != nil {
		return err
	}

	opts := append([]controlplane.Option{
		controlplane.WithLogger(logger),
		controlplane.WithRegistry(reg),
		controlplane.WithProbe(ha.NewHTTPProbe(&http.Client{Timeout: 5 * time.Second})),
	}, b.opts...)
	cp, err := controlplane.New(cfg, opts...)
	if err != nil {
		return err
	}
	server := api.NewServer(cp, cfg.Server, cfg.Auth, logger.Named(logging.ComponentAPI))

	var g run.Group

	// Signals.
	{
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		exitC := make(chan struct{})
		g.Add(
			func() error {
				select {
				case <-ctx.Done():
					logger.Info("shutdown signal received")
				case <-exitC:
				}
				return nil
			},
			func(_ error) {
				close(exitC)
			},
		)
	}

	// Control plane: scheduler and event queue.
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				if err := cp.Start(runCtx); err != nil {
					return err
				}
				<-runCtx.Done()
				return nil
			},
			func(_ error) {
				cancel()
				shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer done()
				if err := cp.Shutdown(shutdownCtx); err != nil {
					logger.Error("control plane shutdown", zap.Error(err))
				}
			},
		)
	}

	// HTTP API.
	g.Add(
		server.Start,
		func(_ error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown", zap.Error(err))
			}
		},
	)

	// Runbook hot reload.
	if w := cp.Watcher(); w != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return w.Run(watchCtx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	logger.Info("bulwark starting", zap.String("address", cfg.Server.Address), zap.String("version", api.Version))
	return g.Run()
}

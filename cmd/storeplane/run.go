package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/auth"
	"github.com/storeplane/storeplane/pkg/config"
	"github.com/storeplane/storeplane/pkg/db"
	"github.com/storeplane/storeplane/pkg/engine"
	"github.com/storeplane/storeplane/pkg/guardrails"
	"github.com/storeplane/storeplane/pkg/helm"
	"github.com/storeplane/storeplane/pkg/hosts"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/metrics"
	"github.com/storeplane/storeplane/pkg/orchestrator"
	"github.com/storeplane/storeplane/pkg/registry"
	"github.com/storeplane/storeplane/pkg/server"
)

// RunOptions are the flag overrides for the run command. Everything else
// comes from the environment via config.Load.
type RunOptions struct {
	Host       string
	Port       int
	Kubeconfig string
	HelmBin    string
}

func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the storeplane control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", "", "Listen address (overrides HOST)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Listen port (overrides PORT)")
	cmd.Flags().StringVar(&opts.Kubeconfig, "kubeconfig", "", "Path to the kubeconfig (overrides KUBECONFIG)")
	cmd.Flags().StringVar(&opts.HelmBin, "helm-bin", "", "Helm binary to invoke (overrides HELM_BIN)")
	return cmd
}

func run(ctx context.Context, opts *RunOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}
	if opts.Kubeconfig != "" {
		cfg.Kubeconfig = opts.Kubeconfig
	}
	if opts.HelmBin != "" {
		cfg.HelmBin = opts.HelmBin
	}

	log, flush, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer flush()
	log.Info("starting storeplane", "version", version, "env", cfg.Environment)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(database, log); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	adapter, err := kube.NewAdapter(cfg, log)
	if err != nil {
		return fmt.Errorf("building cluster adapter: %w", err)
	}

	stores := registry.NewSQL(database, log)
	auditLog := audit.NewSQL(database, log)
	users := auth.NewSQLUserRepository(database, log)
	authSvc := auth.NewService(users, cfg, log)
	guard := guardrails.New(cfg)
	metricSet := metrics.New()
	installer := helm.NewInstaller(cfg, log)

	orch := orchestrator.New(orchestrator.Deps{
		Stores:    stores,
		Audit:     auditLog,
		Cluster:   adapter,
		Installer: installer,
		SetupFor: func(eng registry.Engine) (engine.Setup, error) {
			return engine.ForEngine(eng, adapter, log)
		},
		OwnerEmail: func(ctx context.Context, ownerID string) (string, error) {
			user, err := users.FindByID(ctx, ownerID)
			if err != nil || user == nil {
				return "", err
			}
			return user.Email, nil
		},
		Hosts:   hosts.NewWriter(log),
		Metrics: metricSet,
		Config:  cfg,
		Log:     log,
	})

	// Stores left mid-flight by a previous process must be resolved before
	// the API starts accepting traffic.
	recovered, err := orch.RecoverStuckStores(ctx)
	if err != nil {
		log.Error(err, "crash recovery scan failed")
	} else if recovered > 0 {
		log.Info("recovered stuck stores", "count", recovered)
	}

	srv := server.New(server.Deps{
		Orchestrator:  orch,
		Auth:          authSvc,
		Audit:         auditLog,
		Guard:         guard,
		Metrics:       metricSet,
		DB:            database,
		ClusterHealth: adapter.HealthCheck,
		Config:        cfg,
		Log:           log,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		orch.Shutdown(drainCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger: console encoding in development,
// JSON in production.
func newLogger(cfg *config.Config) (logr.Logger, func(), error) {
	var zapCfg zap.Config
	if cfg.IsProduction() {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	zl, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl).WithName("storeplane"), func() { _ = zl.Sync() }, nil
}

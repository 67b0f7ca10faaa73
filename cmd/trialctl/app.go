package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/trialctl/pkg/config"
	"github.com/ethpandaops/trialctl/pkg/directory"
	"github.com/ethpandaops/trialctl/pkg/lifecycle"
	"github.com/ethpandaops/trialctl/pkg/preflight"
	"github.com/ethpandaops/trialctl/pkg/registry"
	"github.com/ethpandaops/trialctl/pkg/script"
	"github.com/ethpandaops/trialctl/pkg/staging"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	reg     registry.Registry
	manager lifecycle.Manager
	checker preflight.Checker
}

// loadConfig loads and validates the files passed with --config. The
// config's log level applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if len(cfgFiles) == 0 {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// newApp builds the registry, directory, executor, staging area and
// workflow manager. Close must be called to release the registry.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	minFree, err := cfg.MinFreeSpaceBytes()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Global.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	dir, err := directory.New(&cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("creating client directory: %w", err)
	}

	exec, err := script.NewExecutor(log, &cfg.Executor)
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	reg := registry.NewRegistry(log, &cfg.Database)
	if err := reg.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting registry: %w", err)
	}

	area := staging.NewOsArea(log, cfg.Global.StagingDir)

	return &app{
		cfg: cfg,
		reg: reg,
		manager: lifecycle.NewManager(log,
			&lifecycle.Config{AssetRoot: cfg.Directory.AssetRoot},
			dir, exec, reg, area,
		),
		checker: preflight.NewChecker(log,
			&preflight.Config{
				StagingDir:   cfg.Global.StagingDir,
				MinFreeBytes: minFree,
			},
			exec, dir,
		),
	}, nil
}

// Close stops the registry.
func (a *app) Close() error {
	return a.reg.Stop()
}

// preflight runs the host checks unless preflight.skip is set and writes
// the report to w.
func (a *app) preflight(ctx context.Context, w io.Writer) error {
	if a.cfg.Preflight.Skip {
		log.Debug("Preflight checks skipped")

		return nil
	}

	report, err := a.checker.Run(ctx)
	if report != nil {
		fmt.Fprint(w, report.String())
	}

	return err
}

// signalContext returns a context cancelled on the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

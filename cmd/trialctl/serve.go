package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/trialctl/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API server",
	Long:  `Start the HTTP API for creating, listing and deleting trials.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close registry")
		}
	}()

	if err := a.preflight(ctx, os.Stdout); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, &a.cfg.API, a.manager, a.checker)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xping-dev/xping/pkg/relay"
)

var relayLabels []string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the local ingest relay",
	Long: `Start a local HTTP endpoint that test adapters in other processes can post
results to. All results share one telemetry session, which is finalized
when the relay shuts down.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringSliceVar(&relayLabels, "label", nil,
		"add environment label as key=value (can be repeated)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	labels, err := parseLabels(cfg.Global.Labels, relayLabels)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	orch := openOrchestrator(ctx, cfg, labels, logHooks{log: log})
	orch.Start(ctx)

	srv := relay.NewServer(log, &cfg.Relay, orch)

	if err := srv.Start(ctx); err != nil {
		_ = orch.Close(context.Background())

		return fmt.Errorf("starting relay server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down relay")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping relay server: %w", err)
	}

	if err := orch.Close(context.Background()); err != nil {
		return fmt.Errorf("closing telemetry session: %w", err)
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/xping-dev/xping/pkg/archive"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the offline queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show offline queue contents",
	RunE:  runQueueStats,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Upload queued batches now",
	RunE:  runQueueFlush,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove queued batches older than queue.max_age",
	RunE:  runQueueCleanup,
}

var queueArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move queued batches to the configured S3 archive",
	RunE:  runQueueArchive,
}

var queueRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Move archived batches from S3 back into the offline queue",
	RunE:  runQueueRestore,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd, queueFlushCmd, queueCleanupCmd, queueArchiveCmd, queueRestoreCmd)
}

// withQueue loads config, opens the queue and closes it after fn.
func withQueue(fn func(ctx context.Context, cfg *config.Config, q queue.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Queue.Enabled {
		return fmt.Errorf("offline queue is disabled (queue.enabled=false)")
	}

	ctx := context.Background()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	defer closeQueue(q)

	return fn(ctx, cfg, q)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, cfg *config.Config, q queue.Queue) error {
		st, err := q.Stats(ctx)
		if err != nil {
			return fmt.Errorf("reading queue stats: %w", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{
			text.FgHiCyan.Sprint("KEY"),
			text.FgHiCyan.Sprint("VALUE"),
		})

		location := cfg.Queue.Dir
		if st.Backend == "sql" {
			location = cfg.Queue.Database.Driver
		}

		oldest := "-"
		if !st.Oldest.IsZero() {
			oldest = fmt.Sprintf("%s (%s ago)",
				st.Oldest.Local().Format(time.RFC3339),
				units.HumanDuration(time.Since(st.Oldest)))
		}

		t.AppendRows([]table.Row{
			{"Backend", st.Backend},
			{"Location", location},
			{"Batches", st.Units},
			{"Records", fmt.Sprintf("%d / %d", st.Records, cfg.Queue.MaxQueueSize)},
			{"Size", units.HumanSize(float64(st.Bytes))},
			{"Corrupt", st.Corrupt},
			{"Oldest", oldest},
			{"Max age", units.HumanDuration(cfg.Queue.MaxAge)},
		})
		t.Render()

		return nil
	})
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Queue.Enabled {
		return fmt.Errorf("offline queue is disabled (queue.enabled=false)")
	}

	ctx := context.Background()

	orch := openOrchestrator(ctx, cfg, cfg.Global.Labels, nil)
	if !orch.Healthy() {
		_ = orch.Close(ctx)

		return fmt.Errorf("telemetry inactive: %s", orch.Health().Reason)
	}

	res := orch.FlushSession(ctx)
	st := orch.Stats(ctx)

	if err := orch.Close(ctx); err != nil {
		log.WithError(err).Warn("Failed to close telemetry session")
	}

	log.WithFields(logrus.Fields{
		"drained":   res.Drained,
		"remaining": st.QueueDepth,
	}).Info("Queue flush completed")

	return printJSON(cmd.OutOrStdout(), res)
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, cfg *config.Config, q queue.Queue) error {
		removed, err := q.Cleanup(ctx)
		if err != nil {
			return fmt.Errorf("cleaning queue: %w", err)
		}

		log.WithFields(logrus.Fields{
			"removed": removed,
			"max_age": cfg.Queue.MaxAge,
		}).Info("Queue cleanup completed")

		return nil
	})
}

func newArchiver(cfg *config.Config) (*archive.Archiver, error) {
	s3cfg := cfg.Archive.S3
	if s3cfg == nil || !s3cfg.Enabled {
		return nil, fmt.Errorf("archive.s3 is not enabled")
	}

	return archive.New(log, archive.NewS3Store(s3cfg), s3cfg.Prefix), nil
}

func runQueueArchive(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, cfg *config.Config, q queue.Queue) error {
		a, err := newArchiver(cfg)
		if err != nil {
			return err
		}

		res, err := a.Export(ctx, q, cfg.Telemetry.BatchSize)
		if err != nil {
			return fmt.Errorf("archiving queue: %w", err)
		}

		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runQueueRestore(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, cfg *config.Config, q queue.Queue) error {
		a, err := newArchiver(cfg)
		if err != nil {
			return err
		}

		res, err := a.Restore(ctx, q)
		if err != nil {
			log.WithField("records", res.Records).Warn("Restore stopped early")

			return fmt.Errorf("restoring archive: %w", err)
		}

		return printJSON(cmd.OutOrStdout(), res)
	})
}

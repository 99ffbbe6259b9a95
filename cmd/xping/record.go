package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/xping-dev/xping/pkg/collector"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/report"
	"github.com/xping-dev/xping/pkg/session"
)

var (
	recordFiles  []string
	recordLabels []string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Upload test results from JSON report files",
	Long: `Read one or more JSON result reports, record every result in a single
telemetry session and upload them. Use "-" to read a report from stdin.

Results that fail validation are reported and skipped. Uploads that fail
with a transient error are kept in the offline queue for the next run.`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringSliceVarP(&recordFiles, "file", "f", nil,
		"report file to record (repeatable, - for stdin)")
	recordCmd.Flags().StringSliceVar(&recordLabels, "label", nil,
		"add environment label as key=value (can be repeated)")

	if err := recordCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
}

// logHooks reports session lifecycle events through the logger.
type logHooks struct {
	log logrus.FieldLogger
}

var _ session.Hooks = logHooks{}

func (h logHooks) OnTestExecutionRecorded(rec execution.Record) {
	h.log.WithFields(logrus.Fields{
		"test":    rec.Identity.FullyQualifiedName,
		"outcome": rec.Outcome,
	}).Trace("Recorded test execution")
}

func (h logHooks) OnSessionFinalizing(s *execution.SessionContext) {
	h.log.WithField("session_id", s.SessionID).Debug("Finalizing session")
}

func (h logHooks) OnSessionFinalized(s *execution.SessionContext, res collector.FlushResult) {
	h.log.WithFields(logrus.Fields{
		"session_id": s.SessionID,
		"uploaded":   res.Count,
		"queued":     res.Queued,
	}).Debug("Session finalized")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	labels, err := parseLabels(cfg.Global.Labels, recordLabels)
	if err != nil {
		return err
	}

	// Parse everything up front so a bad file does not leave a half
	// recorded session behind.
	var (
		records  []execution.Record
		rejected int
	)

	now := time.Now()

	for _, path := range recordFiles {
		rep, err := readReport(path)
		if err != nil {
			return err
		}

		recs, rej := rep.Records(now)
		for _, r := range rej {
			log.WithFields(logrus.Fields{
				"file":  path,
				"index": r.Index,
			}).Warn("Skipping invalid result: " + r.Error)
		}

		records = append(records, recs...)
		rejected += len(rej)
	}

	ctx := context.Background()

	orch := openOrchestrator(ctx, cfg, labels, logHooks{log: log})
	orch.Start(ctx)

	res := orch.RecordTestExecutions(ctx, records)
	res.Merge(orch.FinalizeSession(ctx))

	if err := orch.Close(ctx); err != nil {
		log.WithError(err).Warn("Failed to close telemetry session")
	}

	log.WithFields(logrus.Fields{
		"session_id": orch.Session().SessionID,
		"recorded":   len(records),
		"rejected":   rejected,
		"uploaded":   res.Count,
		"queued":     res.Queued,
		"failed":     res.Failed,
		"drained":    res.Drained,
	}).Info("Recording completed")

	if !orch.Healthy() {
		log.WithField("reason", orch.Health().Reason).Warn("Results were not uploaded")
	}

	return printJSON(cmd.OutOrStdout(), res)
}

func readReport(path string) (*report.Report, error) {
	var r io.Reader = os.Stdin

	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening report: %w", err)
		}
		defer func() { _ = f.Close() }()

		r = f
	}

	rep, err := report.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("reading report %s: %w", path, err)
	}

	return rep, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

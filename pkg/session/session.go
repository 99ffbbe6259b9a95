// Package session owns one test-run session and wires the collector,
// uploader and offline queue together behind a single entry point that
// never fails the host test run.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/collector"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/queue"
	"github.com/xping-dev/xping/pkg/upload"
)

// Health is computed once when the orchestrator is built.
type Health struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// CheckHealth decides whether telemetry can run with cfg.
func CheckHealth(cfg *config.TelemetryConfig) Health {
	switch {
	case !cfg.Enabled:
		return Health{Reason: "telemetry is disabled"}
	case !cfg.HasCredentials():
		return Health{Reason: "telemetry.api_key and telemetry.project_id are required"}
	}

	if _, err := config.ParseEndpoint(cfg.Endpoint); err != nil {
		return Health{Reason: err.Error()}
	}

	return Health{Healthy: true}
}

// Options supplies the collaborators of an Orchestrator. A nil Uploader
// is replaced by the HTTP uploader; a nil Queue disables offline storage.
type Options struct {
	Uploader    upload.Uploader
	Queue       queue.Queue
	Environment execution.EnvironmentInfo
	Hooks       Hooks
}

// Stats combines collector and queue counters.
type Stats struct {
	SessionID    string          `json:"sessionId"`
	Health       Health          `json:"health"`
	Collector    collector.Stats `json:"collector"`
	QueueDepth   int             `json:"queueDepth"`
	TotalDrained int64           `json:"totalDrained"`
	Finalized    bool            `json:"finalized"`
}

// Orchestrator is the entry point used by test framework adapters.
type Orchestrator struct {
	log       logrus.FieldLogger
	cfg       *config.TelemetryConfig
	health    Health
	uploader  upload.Uploader
	queue     queue.Queue
	hooks     Hooks
	collector *collector.Collector

	sessionMu sync.RWMutex
	session   *execution.SessionContext

	// drainMu keeps queue drains single-consumer.
	drainMu sync.Mutex
	drained atomic.Int64

	finalizeMu  sync.Mutex
	finalized   atomic.Bool
	finalResult collector.FlushResult

	closeOnce sync.Once
	closeErr  error
}

// New builds an orchestrator and starts a fresh session. Misconfiguration
// never fails construction; it produces an unhealthy orchestrator whose
// operations are no-ops.
func New(log logrus.FieldLogger, cfg *config.TelemetryConfig, opts Options) *Orchestrator {
	o := &Orchestrator{
		log:     log.WithField("component", "session"),
		cfg:     cfg,
		health:  CheckHealth(cfg),
		queue:   opts.Queue,
		hooks:   opts.Hooks,
		session: execution.NewSession(opts.Environment, time.Now()),
	}

	if o.hooks == nil {
		o.hooks = NoopHooks{}
	}

	o.log = o.log.WithField("session_id", o.session.SessionID)

	if !o.health.Healthy {
		o.log.WithField("reason", o.health.Reason).Warn("Telemetry inactive, test executions will not be uploaded")

		return o
	}

	o.uploader = opts.Uploader
	if o.uploader == nil {
		o.uploader = upload.NewHTTPUploader(log, cfg)
	}

	o.collector = collector.New(log, cfg, collector.ShipperFunc(o.ship))

	return o
}

// Start begins automatic flushing. It is a no-op when unhealthy.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.collector == nil {
		return
	}

	o.collector.Start(ctx)

	o.log.Info("Telemetry session started")
}

// Healthy reports whether telemetry is active.
func (o *Orchestrator) Healthy() bool {
	return o.health.Healthy
}

// Health returns the health decision made at construction.
func (o *Orchestrator) Health() Health {
	return o.health
}

// Session returns the current session context. After finalization it
// carries EndedAt.
func (o *Orchestrator) Session() *execution.SessionContext {
	o.sessionMu.RLock()
	defer o.sessionMu.RUnlock()

	return o.session
}

// RecordTestExecution attaches the session to rec and buffers it.
func (o *Orchestrator) RecordTestExecution(rec execution.Record) {
	if o.collector != nil {
		s := o.Session()
		rec.Session = s
		rec.SessionID = s.SessionID

		o.collector.Record(rec)
	}

	o.safeHook("OnTestExecutionRecorded", func() {
		o.hooks.OnTestExecutionRecorded(rec)
	})
}

// RecordTestExecutions records a whole submission, flushing whenever a
// full batch is buffered so a submission larger than the buffer is shipped
// rather than evicted. It returns the merged result of those flushes.
func (o *Orchestrator) RecordTestExecutions(ctx context.Context, records []execution.Record) collector.FlushResult {
	res := collector.FlushResult{Success: true}

	if o.collector == nil {
		for _, rec := range records {
			o.RecordTestExecution(rec)
		}

		res.Skipped = true

		return res
	}

	for _, rec := range records {
		o.RecordTestExecution(rec)

		if ctx.Err() == nil && o.collector.Depth() >= o.cfg.BatchSize {
			res.Merge(o.collector.Flush(ctx))
		}
	}

	return res
}

// FlushSession uploads everything buffered, draining the offline queue
// first. When nothing is buffered the queue is still drained.
func (o *Orchestrator) FlushSession(ctx context.Context) collector.FlushResult {
	if o.collector == nil {
		return collector.FlushResult{Success: true, Skipped: true}
	}

	res := o.collector.Flush(ctx)

	if res.Success && res.Count == 0 && res.Queued == 0 && res.Failed == 0 {
		res.Drained += o.drain(ctx)
	}

	return res
}

// ship is the collector's Shipper: drain, upload, then queue on failure.
func (o *Orchestrator) ship(ctx context.Context, records []execution.Record) collector.FlushResult {
	drained := o.drain(ctx)
	records = o.withCurrentSession(records)

	res := o.uploader.Upload(ctx, records)
	if res.Success {
		return collector.FlushResult{
			Success:   true,
			Count:     res.Count,
			ReceiptID: res.ReceiptID,
			Drained:   drained,
		}
	}

	out := collector.FlushResult{
		Drained:      drained,
		ErrorMessage: res.ErrorMessage,
		Kind:         res.Kind,
	}

	log := o.log.WithFields(logrus.Fields{
		"records": len(records),
		"kind":    res.Kind.String(),
		"error":   res.ErrorMessage,
	})

	if !res.Kind.Retryable() || o.queue == nil {
		log.Error("Upload failed, dropping batch")

		out.Failed = len(records)

		return out
	}

	// The batch is already out of the buffer; storing it must not depend
	// on the caller's deadline.
	if err := o.queue.Enqueue(context.WithoutCancel(ctx), records); err != nil {
		log.WithField("queue_error", err.Error()).Error("Upload failed and batch could not be queued, dropping batch")

		out.Failed = len(records)

		return out
	}

	log.Warn("Upload failed, batch queued offline")

	out.Queued = len(records)

	return out
}

// withCurrentSession re-points records of this session at the latest
// context so a finalized batch carries EndedAt. The input is not modified.
func (o *Orchestrator) withCurrentSession(records []execution.Record) []execution.Record {
	current := o.Session()

	out := make([]execution.Record, len(records))
	for i, rec := range records {
		if rec.EffectiveSessionID() == current.SessionID {
			rec.Session = current
		}

		out[i] = rec
	}

	return out
}

// drain makes one pass over the offline queue, bounded by its size at the
// start. On a failed re-upload the batch goes back to the queue and the
// pass stops.
func (o *Orchestrator) drain(ctx context.Context) int {
	if o.queue == nil {
		return 0
	}

	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	remaining, err := o.queue.Size(ctx)
	if err != nil {
		o.log.WithError(err).Warn("Failed to read offline queue size")

		return 0
	}

	uploaded := 0

	for remaining > 0 && ctx.Err() == nil {
		records, err := o.queue.Dequeue(ctx, o.cfg.BatchSize)
		if err != nil {
			o.log.WithError(err).Warn("Failed to dequeue offline batch")

			break
		}

		if len(records) == 0 {
			break
		}

		remaining -= len(records)

		res := o.uploader.Upload(ctx, records)
		if res.Success {
			uploaded += res.Count

			continue
		}

		log := o.log.WithFields(logrus.Fields{
			"records": len(records),
			"kind":    res.Kind.String(),
			"error":   res.ErrorMessage,
		})

		if !res.Kind.Retryable() {
			log.Error("Queued batch rejected, dropping it")

			break
		}

		if err := o.queue.Enqueue(context.WithoutCancel(ctx), records); err != nil {
			log.WithField("queue_error", err.Error()).Error("Failed to re-queue batch, dropping it")
		}

		break
	}

	if uploaded > 0 {
		o.drained.Add(int64(uploaded))
		o.log.WithField("records", uploaded).Info("Uploaded queued records")
	}

	return uploaded
}

// FinalizeSession stamps EndedAt, flushes everything and fires the
// finalize hooks. Only the first call does any work; later calls return
// the first result.
func (o *Orchestrator) FinalizeSession(ctx context.Context) collector.FlushResult {
	o.finalizeMu.Lock()
	defer o.finalizeMu.Unlock()

	if o.finalized.Load() {
		return o.finalResult
	}

	o.safeHook("OnSessionFinalizing", func() {
		o.hooks.OnSessionFinalizing(o.Session())
	})

	o.sessionMu.Lock()
	o.session = o.session.Ended(time.Now())
	ended := o.session
	o.sessionMu.Unlock()

	res := o.FlushSession(ctx)

	o.finalResult = res
	o.finalized.Store(true)

	o.safeHook("OnSessionFinalized", func() {
		o.hooks.OnSessionFinalized(ended, res)
	})

	if o.collector != nil {
		o.log.WithFields(logrus.Fields{
			"uploaded": res.Count,
			"queued":   res.Queued,
			"failed":   res.Failed,
			"duration": ended.EndedAt.Sub(ended.StartedAt),
		}).Info("Telemetry session finalized")
	}

	return res
}

// Close finalizes the session if needed, bounded by ShutdownTimeout, and
// releases the collector and queue. Records the deadline left unshipped
// go to the offline queue. Only resource-release failures are returned.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		finalizeCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		defer cancel()

		o.FinalizeSession(finalizeCtx)

		if o.collector != nil {
			o.collector.Close()
			o.persistLeftover(ctx)
		}

		if o.queue != nil {
			if err := o.queue.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
				o.closeErr = fmt.Errorf("closing offline queue: %w", err)
			}
		}
	})

	return o.closeErr
}

// persistLeftover moves records still buffered after the shutdown deadline
// to the offline queue.
func (o *Orchestrator) persistLeftover(ctx context.Context) {
	leftover := o.collector.Drain()
	if len(leftover) == 0 {
		return
	}

	log := o.log.WithField("records", len(leftover))

	if o.queue == nil {
		log.Error("Shutdown deadline reached with unshipped records and no offline queue, dropping them")

		return
	}

	if err := o.queue.Enqueue(context.WithoutCancel(ctx), o.withCurrentSession(leftover)); err != nil {
		log.WithError(err).Error("Shutdown deadline reached and unshipped records could not be queued, dropping them")

		return
	}

	log.Warn("Shutdown deadline reached, unshipped records queued offline")
}

// Stats returns a snapshot of the pipeline counters.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	st := Stats{
		SessionID:    o.Session().SessionID,
		Health:       o.health,
		TotalDrained: o.drained.Load(),
	}

	if o.collector != nil {
		st.Collector = o.collector.Stats()
	} else {
		st.Collector.State = "inactive"
	}

	if o.queue != nil {
		if n, err := o.queue.Size(ctx); err == nil {
			st.QueueDepth = n
		}
	}

	st.Finalized = o.finalized.Load()

	return st
}

// safeHook runs fn, logging and swallowing any panic.
func (o *Orchestrator) safeHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logrus.Fields{
				"hook":  name,
				"panic": fmt.Sprint(r),
			}).Error("Session hook panicked")
		}
	}()

	fn()
}

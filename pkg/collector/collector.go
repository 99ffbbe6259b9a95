// Package collector buffers execution records in memory and hands them to
// a Shipper in batches, on size, on a timer, or on demand.
package collector

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/upload"
	"golang.org/x/sync/semaphore"
)

// State is the collector lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateBuffering
	StateFlushing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateFlushing:
		return "flushing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// FlushResult describes what happened to the records of one flush.
type FlushResult struct {
	Success bool `json:"success"`
	// Count is the number of records accepted by the server.
	Count int `json:"count"`
	// Queued records were stored offline for a later attempt.
	Queued int `json:"queued,omitempty"`
	// Failed records were dropped.
	Failed int `json:"failed,omitempty"`
	// Drained counts previously queued records uploaded by this flush.
	Drained      int              `json:"drained,omitempty"`
	Skipped      bool             `json:"skipped,omitempty"`
	ReceiptID    string           `json:"receiptId,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Kind         upload.ErrorKind `json:"-"`
}

// Merge folds the result of a later flush or chunk into r.
func (r *FlushResult) Merge(o FlushResult) {
	r.Success = r.Success && o.Success
	r.Count += o.Count
	r.Queued += o.Queued
	r.Failed += o.Failed
	r.Drained += o.Drained

	if o.ReceiptID != "" {
		r.ReceiptID = o.ReceiptID
	}

	if o.ErrorMessage != "" {
		r.ErrorMessage = o.ErrorMessage
		r.Kind = o.Kind
	}
}

// Shipper takes ownership of a drained batch.
type Shipper interface {
	Ship(ctx context.Context, records []execution.Record) FlushResult
}

// ShipperFunc adapts a function to the Shipper interface.
type ShipperFunc func(ctx context.Context, records []execution.Record) FlushResult

// Ship calls f.
func (f ShipperFunc) Ship(ctx context.Context, records []execution.Record) FlushResult {
	return f(ctx, records)
}

// Stats is a point-in-time snapshot of the collector counters.
type Stats struct {
	TotalRecorded   int64  `json:"totalRecorded"`
	TotalSampledOut int64  `json:"totalSampledOut"`
	TotalDropped    int64  `json:"totalDropped"`
	TotalUploaded   int64  `json:"totalUploaded"`
	TotalQueued     int64  `json:"totalQueued"`
	TotalFailed     int64  `json:"totalFailed"`
	BufferDepth     int    `json:"bufferDepth"`
	State           string `json:"state"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithSampler replaces the random source used for sampling. It must return
// values in [0, 1).
func WithSampler(f func() float64) Option {
	return func(c *Collector) { c.sample = f }
}

// Collector buffers records and flushes them through a single-entry gate.
type Collector struct {
	log     logrus.FieldLogger
	cfg     *config.TelemetryConfig
	shipper Shipper
	sample  func() float64

	mu  sync.Mutex
	buf []execution.Record

	gate   *semaphore.Weighted
	signal chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state     atomic.Int32
	started   atomic.Bool
	closeOnce sync.Once
	lastFlush atomic.Int64

	recorded   atomic.Int64
	sampledOut atomic.Int64
	dropped    atomic.Int64
	uploaded   atomic.Int64
	queued     atomic.Int64
	failed     atomic.Int64
}

// New creates a Collector. Start must be called to enable automatic
// flushing; explicit Flush works without it.
func New(log logrus.FieldLogger, cfg *config.TelemetryConfig, shipper Shipper, opts ...Option) *Collector {
	c := &Collector{
		log:     log.WithField("component", "collector"),
		cfg:     cfg,
		shipper: shipper,
		sample:  rand.Float64,
		buf:     make([]execution.Record, 0, cfg.BatchSize),
		gate:    semaphore.NewWeighted(1),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.lastFlush.Store(time.Now().UnixNano())

	return c
}

// Start launches the background loop that requests flushes when the
// buffer reaches BatchSize or FlushInterval elapses.
func (c *Collector) Start(ctx context.Context) {
	if State(c.state.Load()) == StateDisposed || !c.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.run(ctx)
	}()

	c.log.WithFields(logrus.Fields{
		"batch_size":     c.cfg.BatchSize,
		"flush_interval": c.cfg.FlushInterval,
	}).Debug("Collector started")
}

func (c *Collector) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			since := time.Since(time.Unix(0, c.lastFlush.Load()))
			if since >= c.cfg.FlushInterval {
				c.requestFlush(ctx)
			}
		case <-c.signal:
			c.requestFlush(ctx)
		}
	}
}

// requestFlush flushes unless another flush holds the gate, in which case
// the request is coalesced into the running one.
func (c *Collector) requestFlush(ctx context.Context) {
	if !c.gate.TryAcquire(1) {
		return
	}

	res := c.flushHeld(ctx)
	c.gate.Release(1)

	if !res.Success {
		c.log.WithField("error", res.ErrorMessage).Debug("Background flush did not upload")
	}

	// Records that arrived during the flush may already fill a batch.
	if c.Depth() >= c.cfg.BatchSize {
		c.notify()
	}
}

func (c *Collector) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Record adds rec to the buffer. It never blocks on I/O. At MaxBufferSize
// the oldest buffered record is evicted.
func (c *Collector) Record(rec execution.Record) {
	if State(c.state.Load()) == StateDisposed {
		return
	}

	c.recorded.Add(1)

	if c.cfg.SamplingRate < 1 && c.sample() >= c.cfg.SamplingRate {
		c.sampledOut.Add(1)

		return
	}

	c.mu.Lock()

	if len(c.buf) >= c.cfg.MaxBufferSize {
		n := copy(c.buf, c.buf[1:])
		c.buf = c.buf[:n]
		c.dropped.Add(1)
	}

	c.buf = append(c.buf, rec)
	depth := len(c.buf)

	c.state.CompareAndSwap(int32(StateIdle), int32(StateBuffering))
	c.mu.Unlock()

	if depth >= c.cfg.BatchSize {
		c.notify()
	}
}

// Flush waits for any in-flight flush, then ships everything buffered.
// It returns once every drained record has been handed to the Shipper.
func (c *Collector) Flush(ctx context.Context) FlushResult {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return FlushResult{
			Kind:         upload.KindTransient,
			ErrorMessage: "flush cancelled: " + err.Error(),
		}
	}
	defer c.gate.Release(1)

	return c.flushHeld(ctx)
}

// flushHeld drains the buffer and ships it in BatchSize chunks. The
// caller holds the gate. Chunks not yet handed off when ctx ends are
// restored to the head of the buffer.
func (c *Collector) flushHeld(ctx context.Context) FlushResult {
	c.mu.Lock()
	drained := c.buf
	c.buf = make([]execution.Record, 0, c.cfg.BatchSize)

	if len(drained) > 0 {
		c.state.CompareAndSwap(int32(StateBuffering), int32(StateFlushing))
	}
	c.mu.Unlock()

	defer c.settle()

	result := FlushResult{Success: true}

	for start := 0; start < len(drained); start += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			c.restore(drained[start:])

			result.Success = false
			result.Kind = upload.KindTransient
			result.ErrorMessage = "flush cancelled: " + err.Error()

			return result
		}

		end := min(start+c.cfg.BatchSize, len(drained))

		res := c.shipper.Ship(ctx, drained[start:end])

		c.uploaded.Add(int64(res.Count))
		c.queued.Add(int64(res.Queued))
		c.failed.Add(int64(res.Failed))

		result.Merge(res)
	}

	return result
}

// settle moves the state back out of Flushing once a flush ends.
func (c *Collector) settle() {
	c.lastFlush.Store(time.Now().UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) == StateDisposed {
		return
	}

	if len(c.buf) > 0 {
		c.state.Store(int32(StateBuffering))
	} else {
		c.state.Store(int32(StateIdle))
	}
}

// restore puts records back at the head of the buffer, evicting the
// oldest beyond MaxBufferSize.
func (c *Collector) restore(records []execution.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]execution.Record, 0, len(records)+len(c.buf))
	merged = append(merged, records...)
	merged = append(merged, c.buf...)

	if over := len(merged) - c.cfg.MaxBufferSize; over > 0 {
		merged = merged[over:]
		c.dropped.Add(int64(over))
	}

	c.buf = merged
}

// Depth returns the number of buffered records.
func (c *Collector) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buf)
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	return Stats{
		TotalRecorded:   c.recorded.Load(),
		TotalSampledOut: c.sampledOut.Load(),
		TotalDropped:    c.dropped.Load(),
		TotalUploaded:   c.uploaded.Load(),
		TotalQueued:     c.queued.Load(),
		TotalFailed:     c.failed.Load(),
		BufferDepth:     c.Depth(),
		State:           c.State().String(),
	}
}

// Drain removes and returns every buffered record without shipping it.
func (c *Collector) Drain() []execution.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	drained := c.buf
	c.buf = make([]execution.Record, 0, c.cfg.BatchSize)

	return drained
}

// Close stops the background loop, cancelling a flush it has in flight,
// and rejects further records. Records still buffered are kept for Drain.
// Close is idempotent.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisposed))
		close(c.done)

		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		c.wg.Wait()
	})
}

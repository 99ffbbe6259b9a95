package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/upload"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func testConfig(batchSize, maxBuffer int, interval time.Duration) *config.TelemetryConfig {
	cfg := config.Default().Telemetry
	cfg.BatchSize = batchSize
	cfg.MaxBufferSize = maxBuffer
	cfg.FlushInterval = interval

	return &cfg
}

func rec(i int) execution.Record {
	return execution.Record{TestName: fmt.Sprintf("T%d", i)}
}

// recordingShipper accepts every batch and remembers it.
type recordingShipper struct {
	mu      sync.Mutex
	batches [][]execution.Record
}

func (s *recordingShipper) Ship(_ context.Context, records []execution.Record) FlushResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := append([]execution.Record(nil), records...)
	s.batches = append(s.batches, cp)

	return FlushResult{Success: true, Count: len(records)}
}

func (s *recordingShipper) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for _, b := range s.batches {
		for _, r := range b {
			out = append(out, r.TestName)
		}
	}

	return out
}

func (s *recordingShipper) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}

	return out
}

func TestCollector_SizeTriggeredFlush(t *testing.T) {
	ship := &recordingShipper{}
	cfg := testConfig(100, 1000, time.Hour)

	c := New(testLogger(), cfg, ship)
	c.Start(context.Background())
	defer c.Close()

	for i := 0; i < 150; i++ {
		c.Record(rec(i))
		assert.LessOrEqual(t, c.Depth(), cfg.MaxBufferSize)
	}

	require.Eventually(t, func() bool {
		return len(ship.names()) >= 100
	}, 2*time.Second, 5*time.Millisecond)

	res := c.Flush(context.Background())
	require.True(t, res.Success)

	assert.Len(t, ship.names(), 150)
	assert.Equal(t, int64(150), c.Stats().TotalUploaded)
}

func TestCollector_IntervalTriggeredFlush(t *testing.T) {
	ship := &recordingShipper{}

	c := New(testLogger(), testConfig(100, 1000, 20*time.Millisecond), ship)
	c.Start(context.Background())
	defer c.Close()

	c.Record(rec(0))

	require.Eventually(t, func() bool {
		return len(ship.names()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCollector_BufferBoundEvictsOldest(t *testing.T) {
	ship := &recordingShipper{}

	c := New(testLogger(), testConfig(10, 20, time.Hour), ship)

	for i := 0; i < 30; i++ {
		c.Record(rec(i))
	}

	st := c.Stats()
	assert.Equal(t, 20, st.BufferDepth)
	assert.Equal(t, int64(10), st.TotalDropped)
	assert.Equal(t, int64(30), st.TotalRecorded)

	res := c.Flush(context.Background())
	require.True(t, res.Success)

	names := ship.names()
	require.Len(t, names, 20)
	assert.Equal(t, "T10", names[0])
	assert.Equal(t, "T29", names[19])
}

func TestCollector_FlushShipsInBatchSizeChunks(t *testing.T) {
	ship := &recordingShipper{}

	c := New(testLogger(), testConfig(3, 30, time.Hour), ship)

	for i := 0; i < 7; i++ {
		c.Record(rec(i))
	}

	res := c.Flush(context.Background())

	assert.True(t, res.Success)
	assert.Equal(t, 7, res.Count)
	assert.Equal(t, []int{3, 3, 1}, ship.sizes())
	assert.Equal(t, StateIdle, c.State())

	// A second flush finds nothing.
	res = c.Flush(context.Background())
	assert.True(t, res.Success)
	assert.Zero(t, res.Count)
}

func TestCollector_Sampling(t *testing.T) {
	tests := []struct {
		name        string
		rate        float64
		sample      float64
		wantKept    int
		wantSampled int64
	}{
		{name: "full rate keeps everything", rate: 1, sample: 0.99, wantKept: 10},
		{name: "sample above rate drops", rate: 0.5, sample: 0.7, wantKept: 0, wantSampled: 10},
		{name: "sample below rate keeps", rate: 0.5, sample: 0.2, wantKept: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(100, 1000, time.Hour)
			cfg.SamplingRate = tt.rate

			c := New(testLogger(), cfg, &recordingShipper{}, WithSampler(func() float64 { return tt.sample }))

			for i := 0; i < 10; i++ {
				c.Record(rec(i))
			}

			st := c.Stats()
			assert.Equal(t, tt.wantKept, st.BufferDepth)
			assert.Equal(t, tt.wantSampled, st.TotalSampledOut)
			assert.Equal(t, int64(10), st.TotalRecorded)
		})
	}
}

func TestCollector_CancelledFlushRestoresBuffer(t *testing.T) {
	ship := &recordingShipper{}

	c := New(testLogger(), testConfig(10, 100, time.Hour), ship)

	for i := 0; i < 5; i++ {
		c.Record(rec(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Flush(ctx)

	assert.False(t, res.Success)
	assert.Equal(t, upload.KindTransient, res.Kind)
	assert.Empty(t, ship.names())
	assert.Equal(t, 5, c.Depth())

	res = c.Flush(context.Background())
	assert.Equal(t, 5, res.Count)
	assert.Equal(t, []string{"T0", "T1", "T2", "T3", "T4"}, ship.names())
}

// blockingShipper holds each batch until its context ends, then reports it
// as queued.
type blockingShipper struct {
	started chan struct{}
	once    sync.Once
	mu      sync.Mutex
	queued  int
}

func (s *blockingShipper) Ship(ctx context.Context, records []execution.Record) FlushResult {
	s.once.Do(func() { close(s.started) })

	<-ctx.Done()

	s.mu.Lock()
	s.queued += len(records)
	s.mu.Unlock()

	return FlushResult{Queued: len(records), Kind: upload.KindTransient, ErrorMessage: "cancelled"}
}

func TestCollector_CloseCancelsBackgroundFlush(t *testing.T) {
	ship := &blockingShipper{started: make(chan struct{})}

	c := New(testLogger(), testConfig(10, 100, time.Hour), ship)
	c.Start(context.Background())

	for i := 0; i < 30; i++ {
		c.Record(rec(i))
	}

	select {
	case <-ship.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background flush did not start")
	}

	done := make(chan struct{})

	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an in-flight flush")
	}

	leftover := c.Drain()

	ship.mu.Lock()
	queued := ship.queued
	ship.mu.Unlock()

	assert.Equal(t, 10, queued)
	require.Len(t, leftover, 20)
	assert.Equal(t, "T10", leftover[0].TestName)
	assert.Equal(t, "T29", leftover[19].TestName)
	assert.Zero(t, c.Depth())
}

func TestCollector_ConcurrentFlushesNeverDuplicate(t *testing.T) {
	ship := &recordingShipper{}

	c := New(testLogger(), testConfig(7, 10000, 5*time.Millisecond), ship)
	c.Start(context.Background())
	defer c.Close()

	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < 250; i++ {
				c.Record(rec(w*1000 + i))

				if i%50 == 0 {
					c.Flush(context.Background())
				}
			}
		}(w)
	}

	wg.Wait()
	c.Flush(context.Background())

	names := ship.names()
	assert.Len(t, names, 1000)

	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		_, dup := seen[n]
		require.False(t, dup, "record %s shipped twice", n)
		seen[n] = struct{}{}
	}
}

func TestCollector_CountsShipOutcomes(t *testing.T) {
	shipper := ShipperFunc(func(_ context.Context, records []execution.Record) FlushResult {
		return FlushResult{Queued: len(records), ErrorMessage: "offline", Kind: upload.KindTransient}
	})

	c := New(testLogger(), testConfig(10, 100, time.Hour), shipper)
	c.Record(rec(0))
	c.Record(rec(1))

	res := c.Flush(context.Background())

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, "offline", res.ErrorMessage)
	assert.Equal(t, int64(2), c.Stats().TotalQueued)
	assert.Zero(t, c.Stats().TotalUploaded)
}

func TestCollector_Close(t *testing.T) {
	c := New(testLogger(), testConfig(10, 100, time.Hour), &recordingShipper{})
	c.Start(context.Background())

	c.Close()
	c.Close()

	c.Record(rec(0))

	assert.Equal(t, StateDisposed, c.State())
	assert.Zero(t, c.Depth())
	assert.Equal(t, "disposed", c.Stats().State)
}

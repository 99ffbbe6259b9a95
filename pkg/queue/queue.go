// Package queue persists batches of execution records that could not be
// uploaded so a later flush can retry them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/batch"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
)

var (
	// ErrCapacityExceeded is returned by Enqueue when the batch would push
	// the queue past its configured record capacity.
	ErrCapacityExceeded = errors.New("offline queue capacity exceeded")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("offline queue closed")
)

// Queue is a durable FIFO of record batches. Implementations are safe for
// concurrent use.
type Queue interface {
	// Enqueue persists records as one unit. An empty slice is a no-op.
	Enqueue(ctx context.Context, records []execution.Record) error
	// Dequeue removes and returns whole units, oldest first, until adding
	// the next unit would exceed maxCount. A single unit larger than
	// maxCount is still returned so the queue cannot wedge.
	Dequeue(ctx context.Context, maxCount int) ([]execution.Record, error)
	// Size returns the exact number of queued records.
	Size(ctx context.Context) (int, error)
	// Cleanup removes units older than the configured maximum age and
	// returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
	// Stats summarizes the queue contents.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats describes the queue contents.
type Stats struct {
	Backend string
	Units   int
	Records int
	Bytes   int64
	Corrupt int
	Oldest  time.Time
}

// Open creates the queue backend selected by cfg.
func Open(ctx context.Context, log logrus.FieldLogger, cfg *config.QueueConfig) (Queue, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileQueue(log, cfg.Dir, cfg.MaxQueueSize, cfg.MaxAge)
	case "sql":
		q := NewSQLQueue(log, &cfg.Database, cfg.MaxQueueSize, cfg.MaxAge)
		if err := q.Start(ctx); err != nil {
			return nil, err
		}

		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}

// Encode renders records in their persisted form: the optimized wire
// envelope.
func Encode(records []execution.Record) ([]byte, error) {
	data, err := json.Marshal(execution.Batch{Executions: batch.Optimize(records)})
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}

	return data, nil
}

// Decode parses a persisted unit and rehydrates its records.
func Decode(data []byte) ([]execution.Record, error) {
	var b execution.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}

	if b.Executions == nil {
		return nil, errors.New("decoding batch: missing executions")
	}

	return batch.Rehydrate(b.Executions), nil
}

// Package archive moves offline queue contents to and from object storage,
// for machines that cannot reach the upload endpoint for longer than the
// queue retention allows.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/queue"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPrefix is used when no key prefix is configured.
	DefaultPrefix = "xping/queue"

	restoreConcurrency = 4
)

// Result summarizes an export or restore pass.
type Result struct {
	Objects int `json:"objects"`
	Records int `json:"records"`
}

// Archiver exports queued batches as JSON objects and restores them.
type Archiver struct {
	log    logrus.FieldLogger
	store  ObjectStore
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

// New creates an archiver writing under prefix in store.
func New(log logrus.FieldLogger, store ObjectStore, prefix string) *Archiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Archiver{
		log:    log.WithField("component", "archive"),
		store:  store,
		prefix: prefix,
		now:    time.Now,
	}
}

// Export drains q in batches of batchSize and writes each batch as one
// object. A batch whose upload fails is put back on the queue.
func (a *Archiver) Export(ctx context.Context, q queue.Queue, batchSize int) (Result, error) {
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		records, err := q.Dequeue(ctx, batchSize)
		if err != nil {
			return res, fmt.Errorf("dequeuing batch: %w", err)
		}

		if len(records) == 0 {
			break
		}

		data, err := queue.Encode(records)
		if err != nil {
			return res, err
		}

		key := a.objectKey()

		if err := a.store.Put(ctx, key, data); err != nil {
			if qerr := q.Enqueue(context.WithoutCancel(ctx), records); qerr != nil {
				a.log.WithError(qerr).WithField("records", len(records)).
					Error("Failed to return batch to queue")
			}

			return res, fmt.Errorf("archiving batch: %w", err)
		}

		res.Objects++
		res.Records += len(records)

		a.log.WithFields(logrus.Fields{
			"key":     key,
			"records": len(records),
		}).Debug("Archived batch")
	}

	a.log.WithFields(logrus.Fields{
		"objects": res.Objects,
		"records": res.Records,
	}).Info("Export completed")

	return res, nil
}

// Restore enqueues every archived batch and deletes each object once its
// records are back on the queue. Objects that fail to decode are skipped.
func (a *Archiver) Restore(ctx context.Context, q queue.Queue) (Result, error) {
	keys, err := a.store.List(ctx, a.prefix+"/")
	if err != nil {
		return Result{}, err
	}

	var objects, records atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)

	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}

		g.Go(func() error {
			n, err := a.restoreObject(gctx, q, key)
			if err != nil {
				return err
			}

			if n > 0 {
				objects.Add(1)
				records.Add(int64(n))
			}

			return nil
		})
	}

	err = g.Wait()

	res := Result{Objects: int(objects.Load()), Records: int(records.Load())}

	a.log.WithFields(logrus.Fields{
		"objects": res.Objects,
		"records": res.Records,
	}).Info("Restore completed")

	return res, err
}

func (a *Archiver) restoreObject(ctx context.Context, q queue.Queue, key string) (int, error) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}

	if data == nil {
		return 0, nil
	}

	records, err := queue.Decode(data)
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("Skipping unreadable archive object")

		return 0, nil
	}

	if err := q.Enqueue(ctx, records); err != nil {
		return 0, fmt.Errorf("restoring %s: %w", key, err)
	}

	if err := a.store.Delete(ctx, key); err != nil {
		a.log.WithError(err).WithField("key", key).Warn("Restored object could not be deleted")
	}

	return len(records), nil
}

// objectKey returns a unique, time-ordered key: prefix/YYYY/MM/DD/<nanos>.json.
func (a *Archiver) objectKey() string {
	now := a.now().UTC()

	a.mu.Lock()

	nanos := now.UnixNano()
	if nanos <= a.last {
		nanos = a.last + 1
	}

	a.last = nanos

	a.mu.Unlock()

	return path.Join(a.prefix, now.Format("2006/01/02"), fmt.Sprintf("%020d.json", nanos))
}

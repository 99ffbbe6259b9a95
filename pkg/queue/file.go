package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/fsutil"
)

const (
	unitExt    = ".json"
	corruptExt = ".corrupt"
	maxSeq     = 1_000_000
)

// Compile-time interface check.
var _ Queue = (*fileQueue)(nil)

type fileQueue struct {
	log     logrus.FieldLogger
	dir     string
	maxSize int
	maxAge  time.Duration

	mu       sync.Mutex
	closed   bool
	seq      int
	lastNano int64
}

// unit is a parsed queue file name.
type unit struct {
	name  string
	nanos int64
	count int
}

// NewFileQueue creates a queue storing one JSON file per batch in dir.
func NewFileQueue(log logrus.FieldLogger, dir string, maxSize int, maxAge time.Duration) (Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue directory is required")
	}

	if err := fsutil.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileQueue{
		log:     log.WithField("component", "queue").WithField("backend", "file"),
		dir:     dir,
		maxSize: maxSize,
		maxAge:  maxAge,
	}, nil
}

// parseUnit parses "<nanos>-<seq>-<count>.json".
func parseUnit(name string) (unit, bool) {
	if !strings.HasSuffix(name, unitExt) || strings.HasPrefix(name, fsutil.TempPrefix) {
		return unit{}, false
	}

	parts := strings.Split(strings.TrimSuffix(name, unitExt), "-")
	if len(parts) != 3 {
		return unit{}, false
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return unit{}, false
	}

	if _, err := strconv.Atoi(parts[1]); err != nil {
		return unit{}, false
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 0 {
		return unit{}, false
	}

	return unit{name: name, nanos: nanos, count: count}, true
}

// units returns the queue files sorted oldest first. Callers hold mu.
func (q *fileQueue) units() ([]unit, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("reading queue directory: %w", err)
	}

	out := make([]unit, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if u, ok := parseUnit(e.Name()); ok {
			out = append(out, u)
		}
	}

	// Zero-padded names sort chronologically.
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })

	return out, nil
}

func (q *fileQueue) size() (int, error) {
	units, err := q.units()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, u := range units {
		total += u.count
	}

	return total, nil
}

// Enqueue writes records as a single unit.
func (q *fileQueue) Enqueue(ctx context.Context, records []execution.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	current, err := q.size()
	if err != nil {
		return err
	}

	if current+len(records) > q.maxSize {
		return fmt.Errorf("%w: %d queued + %d new > %d",
			ErrCapacityExceeded, current, len(records), q.maxSize)
	}

	data, err := Encode(records)
	if err != nil {
		return err
	}

	nanos := time.Now().UnixNano()
	if nanos <= q.lastNano {
		nanos = q.lastNano + 1
	}

	q.lastNano = nanos
	q.seq = (q.seq + 1) % maxSeq

	name := fmt.Sprintf("%020d-%06d-%d%s", nanos, q.seq, len(records), unitExt)

	if err := fsutil.WriteFileAtomic(filepath.Join(q.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("writing queue unit: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"unit":    name,
		"records": len(records),
	}).Debug("Enqueued batch")

	return nil
}

// Dequeue removes and returns whole units, oldest first.
func (q *fileQueue) Dequeue(ctx context.Context, maxCount int) ([]execution.Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	units, err := q.units()
	if err != nil {
		return nil, err
	}

	var out []execution.Record

	for _, u := range units {
		if err := ctx.Err(); err != nil {
			break
		}

		if len(out) > 0 && len(out)+u.count > maxCount {
			break
		}

		path := filepath.Join(q.dir, u.name)

		records, err := q.read(path)
		if err != nil {
			q.quarantine(path, err)

			continue
		}

		if err := os.Remove(path); err != nil {
			// Leave the unit for a later attempt rather than risk
			// returning it twice.
			q.log.WithError(err).WithField("unit", u.name).
				Warn("Failed to remove queue unit")

			continue
		}

		out = append(out, records...)
	}

	return out, nil
}

func (q *fileQueue) read(path string) ([]execution.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queue unit: %w", err)
	}

	return Decode(data)
}

// quarantine renames an unreadable unit so it no longer counts toward the
// queue size. Cleanup removes it once it ages out.
func (q *fileQueue) quarantine(path string, cause error) {
	log := q.log.WithError(cause).WithField("unit", filepath.Base(path))

	if err := os.Rename(path, path+corruptExt); err != nil {
		log.WithField("rename_error", err.Error()).Warn("Failed to quarantine corrupt queue unit")

		return
	}

	log.Warn("Skipped corrupt queue unit")
}

// Size returns the number of queued records, taken from the unit names.
func (q *fileQueue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	return q.size()
}

// Cleanup removes units, quarantined units and abandoned temp files older
// than maxAge.
func (q *fileQueue) Cleanup(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, fmt.Errorf("reading queue directory: %w", err)
	}

	cutoff := time.Now().Add(-q.maxAge)
	removed := 0

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if e.IsDir() {
			continue
		}

		created, ok := q.createdAt(e)
		if !ok || !created.Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(q.dir, e.Name())); err != nil {
			q.log.WithError(err).WithField("unit", e.Name()).Warn("Failed to remove expired queue unit")

			continue
		}

		removed++
	}

	if removed > 0 {
		q.log.WithField("removed", removed).Info("Removed expired queue units")
	}

	return removed, nil
}

// createdAt derives a file's enqueue time from its name, falling back to
// the modification time for temp files.
func (q *fileQueue) createdAt(e os.DirEntry) (time.Time, bool) {
	name := strings.TrimSuffix(e.Name(), corruptExt)

	if u, ok := parseUnit(name); ok {
		return time.Unix(0, u.nanos), true
	}

	if strings.HasPrefix(e.Name(), fsutil.TempPrefix) {
		info, err := e.Info()
		if err != nil {
			return time.Time{}, false
		}

		return info.ModTime(), true
	}

	return time.Time{}, false
}

// Stats summarizes the queue directory.
func (q *fileQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Stats{}, ErrClosed
	}

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("reading queue directory: %w", err)
	}

	st := Stats{Backend: "file"}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if strings.HasSuffix(e.Name(), corruptExt) {
			st.Corrupt++

			continue
		}

		u, ok := parseUnit(e.Name())
		if !ok {
			continue
		}

		st.Units++
		st.Records += u.count

		if info, err := e.Info(); err == nil {
			st.Bytes += info.Size()
		}

		created := time.Unix(0, u.nanos)
		if st.Oldest.IsZero() || created.Before(st.Oldest) {
			st.Oldest = created
		}
	}

	return st, nil
}

// Close marks the queue closed. Files stay on disk for the next process.
func (q *fileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

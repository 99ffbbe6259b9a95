package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func makeRecords(prefix string, n int, session *execution.SessionContext) []execution.Record {
	out := make([]execution.Record, n)
	for i := range out {
		out[i] = execution.Record{
			TestName: fmt.Sprintf("%s-%d", prefix, i),
			Outcome:  execution.OutcomePassed,
			Session:  session,
		}
	}

	return out
}

func names(records []execution.Record) []string {
	out := make([]string, len(records))
	for i := range records {
		out[i] = records[i].TestName
	}

	return out
}

type backend struct {
	name string
	open func(t *testing.T, maxSize int) Queue
}

func backends() []backend {
	return []backend{
		{
			name: "file",
			open: func(t *testing.T, maxSize int) Queue {
				t.Helper()

				q, err := NewFileQueue(testLogger(), t.TempDir(), maxSize, time.Hour)
				require.NoError(t, err)

				t.Cleanup(func() { _ = q.Close() })

				return q
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T, maxSize int) Queue {
				t.Helper()

				return openSQLite(t, maxSize)
			},
		},
	}
}

func openSQLite(t *testing.T, maxSize int) *SQLQueue {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "queue.db")},
	}

	q := NewSQLQueue(testLogger(), cfg, maxSize, time.Hour)
	require.NoError(t, q.Start(context.Background()))

	t.Cleanup(func() { _ = q.Close() })

	return q
}

func TestQueue_FIFO(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 100)

			require.NoError(t, q.Enqueue(ctx, makeRecords("a", 2, nil)))
			require.NoError(t, q.Enqueue(ctx, makeRecords("b", 1, nil)))
			require.NoError(t, q.Enqueue(ctx, makeRecords("c", 2, nil)))

			size, err := q.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 5, size)

			got, err := q.Dequeue(ctx, 100)
			require.NoError(t, err)
			assert.Equal(t, []string{"a-0", "a-1", "b-0", "c-0", "c-1"}, names(got))

			size, err = q.Size(ctx)
			require.NoError(t, err)
			assert.Zero(t, size)
		})
	}
}

func TestQueue_Capacity(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 10)

			require.NoError(t, q.Enqueue(ctx, makeRecords("a", 5, nil)))

			err := q.Enqueue(ctx, makeRecords("b", 10, nil))
			require.ErrorIs(t, err, ErrCapacityExceeded)

			size, err := q.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 5, size)

			// Filling exactly to capacity is allowed.
			require.NoError(t, q.Enqueue(ctx, makeRecords("c", 5, nil)))

			size, err = q.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 10, size)
		})
	}
}

func TestQueue_DequeueWholeUnits(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 100)

			for _, p := range []string{"a", "b", "c"} {
				require.NoError(t, q.Enqueue(ctx, makeRecords(p, 3, nil)))
			}

			got, err := q.Dequeue(ctx, 5)
			require.NoError(t, err)
			assert.Equal(t, []string{"a-0", "a-1", "a-2"}, names(got))

			// A unit larger than maxCount is still returned whole.
			got, err = q.Dequeue(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"b-0", "b-1", "b-2"}, names(got))

			got, err = q.Dequeue(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, got)

			size, err := q.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, size)
		})
	}
}

func TestQueue_RehydratesSessions(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 100)

			session := execution.NewSession(execution.EnvironmentInfo{MachineName: "ci"}, time.Now())
			require.NoError(t, q.Enqueue(ctx, makeRecords("a", 4, session)))

			got, err := q.Dequeue(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 4)

			for _, rec := range got {
				require.NotNil(t, rec.Session)
				assert.Equal(t, session.SessionID, rec.Session.SessionID)
				assert.Equal(t, "ci", rec.Session.Environment.MachineName)
			}
		})
	}
}

func TestQueue_EmptyEnqueueIsNoop(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 1)

			require.NoError(t, q.Enqueue(ctx, nil))

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, st.Units)
		})
	}
}

func TestQueue_Stats(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 100)

			require.NoError(t, q.Enqueue(ctx, makeRecords("a", 2, nil)))
			require.NoError(t, q.Enqueue(ctx, makeRecords("b", 3, nil)))

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, st.Units)
			assert.Equal(t, 5, st.Records)
			assert.Positive(t, st.Bytes)
			assert.False(t, st.Oldest.IsZero())
		})
	}
}

func TestQueue_Closed(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, 100)

			require.NoError(t, q.Close())
			require.NoError(t, q.Close())

			require.ErrorIs(t, q.Enqueue(ctx, makeRecords("a", 1, nil)), ErrClosed)

			_, err := q.Dequeue(ctx, 1)
			require.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestFileQueue_UnitNames(t *testing.T) {
	dir := t.TempDir()

	q, err := NewFileQueue(testLogger(), dir, 100, time.Hour)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), makeRecords("a", 3, nil)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, regexp.MustCompile(`^\d{20}-\d{6}-3\.json$`), entries[0].Name())
}

func TestFileQueue_CorruptUnitsAreSkipped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q, err := NewFileQueue(testLogger(), dir, 100, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, q.Enqueue(ctx, makeRecords(fmt.Sprintf("v%d", i), 1, nil)))
	}

	garbage := fmt.Sprintf("%020d-%06d-%d.json", time.Now().UnixNano(), 999, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, garbage), []byte("{not json"), 0o600))

	for i := 2; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, makeRecords(fmt.Sprintf("v%d", i), 1, nil)))
	}

	got, err := q.Dequeue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"v0-0", "v1-0", "v2-0", "v3-0"}, names(got))

	_, err = os.Stat(filepath.Join(dir, garbage+corruptExt))
	require.NoError(t, err)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Corrupt)
}

func TestFileQueue_Cleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q, err := NewFileQueue(testLogger(), dir, 100, time.Hour)
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour).UnixNano()
	oldUnit := fmt.Sprintf("%020d-%06d-%d.json", old, 1, 1)
	oldCorrupt := fmt.Sprintf("%020d-%06d-%d.json.corrupt", old, 2, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, oldUnit), []byte(`{"executions":[{}]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, oldCorrupt), []byte("x"), 0o600))
	require.NoError(t, q.Enqueue(ctx, makeRecords("fresh", 1, nil)))

	removed, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-0"}, names(got))
}

func TestFileQueue_Isolation(t *testing.T) {
	ctx := context.Background()

	a, err := NewFileQueue(testLogger(), t.TempDir(), 100, time.Hour)
	require.NoError(t, err)

	b, err := NewFileQueue(testLogger(), t.TempDir(), 100, time.Hour)
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(ctx, makeRecords("a", 2, nil)))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := b.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileQueue(testLogger(), dir, 100, time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.Enqueue(ctx, makeRecords("a", 2, nil)))
	require.NoError(t, first.Close())

	second, err := NewFileQueue(testLogger(), dir, 100, time.Hour)
	require.NoError(t, err)

	got, err := second.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0", "a-1"}, names(got))
}

func TestSQLQueue_CorruptRowsAreDropped(t *testing.T) {
	ctx := context.Background()
	q := openSQLite(t, 100)

	require.NoError(t, q.Enqueue(ctx, makeRecords("a", 1, nil)))
	require.NoError(t, q.db.Create(&QueuedBatch{
		EnqueuedAt:  time.Now().UTC(),
		RecordCount: 1,
		Payload:     "{not json",
	}).Error)
	require.NoError(t, q.Enqueue(ctx, makeRecords("b", 1, nil)))

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0", "b-0"}, names(got))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestSQLQueue_Cleanup(t *testing.T) {
	ctx := context.Background()
	q := openSQLite(t, 100)

	require.NoError(t, q.db.Create(&QueuedBatch{
		EnqueuedAt:  time.Now().UTC().Add(-2 * time.Hour),
		RecordCount: 1,
		Payload:     `{"executions":[{}]}`,
	}).Error)
	require.NoError(t, q.Enqueue(ctx, makeRecords("fresh", 1, nil)))

	removed, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	q, err := Open(ctx, testLogger(), &config.QueueConfig{
		Backend: "file", Dir: t.TempDir(), MaxQueueSize: 10, MaxAge: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = Open(ctx, testLogger(), &config.QueueConfig{Backend: "redis"})
	require.Error(t, err)
}

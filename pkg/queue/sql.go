package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// QueuedBatch is one persisted batch in the SQL backend.
type QueuedBatch struct {
	ID          uint      `gorm:"primaryKey"`
	EnqueuedAt  time.Time `gorm:"not null;index"`
	RecordCount int       `gorm:"not null"`
	Payload     string    `gorm:"type:text;not null"`
}

// TableName pins the table name independent of gorm's pluralization.
func (QueuedBatch) TableName() string {
	return "xping_queued_batches"
}

// Compile-time interface check.
var _ Queue = (*SQLQueue)(nil)

// SQLQueue stores one row per batch in sqlite or postgres.
type SQLQueue struct {
	log     logrus.FieldLogger
	cfg     *config.DatabaseConfig
	maxSize int
	maxAge  time.Duration

	// mu serializes capacity checks with inserts and keeps concurrent
	// dequeues from claiming the same rows.
	mu     sync.Mutex
	db     *gorm.DB
	closed bool
}

// NewSQLQueue creates a queue backed by sqlite or postgres. Start must be
// called before use.
func NewSQLQueue(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	maxSize int,
	maxAge time.Duration,
) *SQLQueue {
	return &SQLQueue{
		log:     log.WithField("component", "queue").WithField("backend", "sql"),
		cfg:     cfg,
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Start opens the database connection and runs migrations.
func (q *SQLQueue) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch q.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(q.cfg.SQLite.Path)
	case "postgres":
		sslMode := q.cfg.Postgres.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}

		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			q.cfg.Postgres.Host,
			q.cfg.Postgres.Port,
			q.cfg.Postgres.User,
			q.cfg.Postgres.Password,
			q.cfg.Postgres.Database,
			sslMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", q.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening queue database: %w", err)
	}

	if q.cfg.Driver == "sqlite" {
		// A single connection keeps ":memory:" databases coherent and
		// avoids SQLITE_BUSY between writers.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.WithContext(ctx).AutoMigrate(&QueuedBatch{}); err != nil {
		return fmt.Errorf("running queue migrations: %w", err)
	}

	q.db = db

	q.log.WithField("driver", q.cfg.Driver).Info("Queue database connected")

	return nil
}

func (q *SQLQueue) ready() error {
	if q.closed {
		return ErrClosed
	}

	if q.db == nil {
		return fmt.Errorf("queue database not started")
	}

	return nil
}

func sumRecords(tx *gorm.DB) (int, error) {
	var total int64
	if err := tx.Model(&QueuedBatch{}).
		Select("COALESCE(SUM(record_count), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("counting queued records: %w", err)
	}

	return int(total), nil
}

// Enqueue inserts records as one row after checking capacity in the same
// transaction.
func (q *SQLQueue) Enqueue(ctx context.Context, records []execution.Record) error {
	if len(records) == 0 {
		return nil
	}

	data, err := Encode(records)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := sumRecords(tx)
		if err != nil {
			return err
		}

		if current+len(records) > q.maxSize {
			return fmt.Errorf("%w: %d queued + %d new > %d",
				ErrCapacityExceeded, current, len(records), q.maxSize)
		}

		row := &QueuedBatch{
			EnqueuedAt:  time.Now().UTC(),
			RecordCount: len(records),
			Payload:     string(data),
		}

		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("inserting queued batch: %w", err)
		}

		q.log.WithFields(logrus.Fields{
			"id":      row.ID,
			"records": len(records),
		}).Debug("Enqueued batch")

		return nil
	})
}

// Dequeue claims rows oldest first and deletes them in one transaction.
func (q *SQLQueue) Dequeue(ctx context.Context, maxCount int) ([]execution.Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return nil, err
	}

	var out []execution.Record

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Every row holds at least one record, so maxCount rows suffice.
		var rows []QueuedBatch
		if err := tx.Order("id ASC").Limit(maxCount).Find(&rows).Error; err != nil {
			return fmt.Errorf("listing queued batches: %w", err)
		}

		remove := make([]uint, 0, len(rows))

		for _, row := range rows {
			if len(out) > 0 && len(out)+row.RecordCount > maxCount {
				break
			}

			records, err := Decode([]byte(row.Payload))
			if err != nil {
				q.log.WithError(err).WithField("id", row.ID).Warn("Dropped corrupt queued batch")

				remove = append(remove, row.ID)

				continue
			}

			remove = append(remove, row.ID)
			out = append(out, records...)
		}

		if len(remove) == 0 {
			return nil
		}

		if err := tx.Delete(&QueuedBatch{}, remove).Error; err != nil {
			return fmt.Errorf("deleting dequeued batches: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Size returns the total number of queued records.
func (q *SQLQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return 0, err
	}

	return sumRecords(q.db.WithContext(ctx))
}

// Cleanup deletes rows older than maxAge.
func (q *SQLQueue) Cleanup(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-q.maxAge)

	result := q.db.WithContext(ctx).
		Where("enqueued_at < ?", cutoff).
		Delete(&QueuedBatch{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting expired batches: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		q.log.WithField("removed", result.RowsAffected).Info("Removed expired queue units")
	}

	return int(result.RowsAffected), nil
}

// Stats summarizes the queued rows.
func (q *SQLQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return Stats{}, err
	}

	db := q.db.WithContext(ctx)
	st := Stats{Backend: "sql"}

	var agg struct {
		Units   int64
		Records int64
		Bytes   int64
	}

	if err := db.Model(&QueuedBatch{}).
		Select("COUNT(*) AS units, COALESCE(SUM(record_count), 0) AS records, " +
			"COALESCE(SUM(LENGTH(payload)), 0) AS bytes").
		Scan(&agg).Error; err != nil {
		return Stats{}, fmt.Errorf("summarizing queue: %w", err)
	}

	st.Units = int(agg.Units)
	st.Records = int(agg.Records)
	st.Bytes = agg.Bytes

	if st.Units > 0 {
		var oldest QueuedBatch
		if err := db.Order("id ASC").First(&oldest).Error; err != nil {
			return Stats{}, fmt.Errorf("finding oldest batch: %w", err)
		}

		st.Oldest = oldest.EnqueuedAt
	}

	return st, nil
}

// Close closes the underlying database connection.
func (q *SQLQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.db == nil {
		q.closed = true

		return nil
	}

	q.closed = true

	sqlDB, err := q.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

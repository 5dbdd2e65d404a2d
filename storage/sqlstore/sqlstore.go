// Package sqlstore implements storage.EventStore on MySQL. Each logical
// database gets its own connection pool; all of them share the same schema.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridianhq/eventrelay/storage"
)

const tableEvents = "outbox_events"

const (
	createQuery = `
		INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, status)
		VALUES (?, ?, ?, ?, ?, ?)`

	fetchPendingQuery = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, last_error, processed_at, created_at
		FROM %s
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`

	markProcessingQuery = `UPDATE %s SET status = ? WHERE id = ?`

	markCompletedQuery = `UPDATE %s SET status = ?, processed_at = ?, last_error = NULL WHERE id = ?`

	markFailedQuery = `UPDATE %s SET status = ?, last_error = ? WHERE id = ?`

	requeueFailedQuery = `
		UPDATE %s
		SET status = ?, retry_count = retry_count + 1
		WHERE status = ? AND retry_count < ?`

	cleanupCompletedQuery = `DELETE FROM %s WHERE status = ? AND created_at < ?`

	statsQuery = `SELECT status, COUNT(*) FROM %s GROUP BY status`
)

// SQLStore implements storage.EventStore over a set of MySQL pools keyed by
// logical database name.
type SQLStore struct {
	pools  map[string]*sql.DB
	logger *zap.Logger
}

// NewSQLStore creates a store over the given pools. The map keys are the
// logical database names the relay is configured with.
func NewSQLStore(pools map[string]*sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		pools:  pools,
		logger: logger,
	}
}

func (s *SQLStore) pool(db string) (*sql.DB, error) {
	p, ok := s.pools[db]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownDatabase, db)
	}
	return p, nil
}

func (s *SQLStore) CreateEvent(ctx context.Context, tx storage.DBTX, db string, event *storage.OutboxEvent) error {
	if _, err := s.pool(db); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	query := fmt.Sprintf(createQuery, tableEvents)
	_, err := tx.ExecContext(ctx, query,
		event.ID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		storage.StatusPending,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPendingEvents(ctx context.Context, db string, limit int) ([]storage.OutboxEvent, error) {
	pool, err := s.pool(db)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(fetchPendingQuery, tableEvents)
	rows, err := pool.QueryContext(ctx, query, storage.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *SQLStore) MarkAsProcessing(ctx context.Context, db, id string) error {
	return s.mark(ctx, db, fmt.Sprintf(markProcessingQuery, tableEvents), storage.StatusProcessing, id)
}

func (s *SQLStore) MarkAsCompleted(ctx context.Context, db, id string) error {
	pool, err := s.pool(db)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(markCompletedQuery, tableEvents)
	_, err = pool.ExecContext(ctx, query, storage.StatusCompleted, time.Now().UTC(), id)
	return err
}

func (s *SQLStore) MarkAsFailed(ctx context.Context, db, id, lastError string) error {
	pool, err := s.pool(db)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(markFailedQuery, tableEvents)
	_, err = pool.ExecContext(ctx, query, storage.StatusFailed, lastError, id)
	return err
}

func (s *SQLStore) RequeueFailedEvents(ctx context.Context, db string, maxRetries int) (int64, error) {
	pool, err := s.pool(db)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(requeueFailedQuery, tableEvents)
	res, err := pool.ExecContext(ctx, query, storage.StatusPending, storage.StatusFailed, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) CleanupCompletedEvents(ctx context.Context, db string, retentionDays int) (int64, error) {
	pool, err := s.pool(db)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	query := fmt.Sprintf(cleanupCompletedQuery, tableEvents)
	res, err := pool.ExecContext(ctx, query, storage.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up completed events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) GetStats(ctx context.Context, db string) (storage.Stats, error) {
	pool, err := s.pool(db)
	if err != nil {
		return storage.Stats{}, err
	}

	query := fmt.Sprintf(statsQuery, tableEvents)
	rows, err := pool.QueryContext(ctx, query)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats storage.Stats
	for rows.Next() {
		var status storage.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return storage.Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch status {
		case storage.StatusPending:
			stats.Pending = count
		case storage.StatusProcessing:
			stats.Processing = count
		case storage.StatusCompleted:
			stats.Completed = count
		case storage.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Stats{}, fmt.Errorf("error reading stats rows: %w", err)
	}
	return stats, nil
}

func (s *SQLStore) mark(ctx context.Context, db, query string, status storage.Status, id string) error {
	pool, err := s.pool(db)
	if err != nil {
		return err
	}
	_, err = pool.ExecContext(ctx, query, status, id)
	return err
}

func scanEvents(rows *sql.Rows) ([]storage.OutboxEvent, error) {
	var events []storage.OutboxEvent
	for rows.Next() {
		var event storage.OutboxEvent
		var lastError sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&event.Status,
			&event.RetryCount,
			&lastError,
			&processedAt,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.LastError = lastError.String
		if processedAt.Valid {
			t := processedAt.Time
			event.ProcessedAt = &t
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

// EnsureTables creates the outbox table in every configured logical database.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS outbox_events (
			id              CHAR(36)     NOT NULL PRIMARY KEY,
			aggregate_type  VARCHAR(255) NOT NULL,
			aggregate_id    VARCHAR(255) NOT NULL,
			event_type      VARCHAR(255) NOT NULL,
			payload         JSON         NOT NULL,
			status          VARCHAR(16)  NOT NULL DEFAULT 'PENDING',
			retry_count     INT          NOT NULL DEFAULT 0,
			last_error      TEXT         NULL,
			processed_at    TIMESTAMP(6) NULL,
			created_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_status_created (status, created_at),
			INDEX idx_aggregate (aggregate_type, aggregate_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	for name, pool := range s.pools {
		if _, err := pool.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create outbox_events table in %s: %w", name, err)
		}
		s.logger.Debug("Ensured outbox table", zap.String("database", name))
	}
	return nil
}

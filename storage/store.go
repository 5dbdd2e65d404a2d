package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Row lifecycle. PENDING is the only initial status. COMPLETED and FAILED are
// terminal from the relay's point of view; the retry sweep is the only path
// back from FAILED to PENDING.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrEventAlreadyExists is returned when saving an event with a duplicate id.
	ErrEventAlreadyExists = errors.New("event already exists")
	// ErrUnknownDatabase is returned for a logical database the store was not configured with.
	ErrUnknownDatabase = errors.New("unknown logical database")
)

// OutboxEvent is the durable outbox row. A row becomes visible to the relay
// only after the business transaction that created it has committed.
type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	RetryCount    int
	LastError     string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// Stats holds per-status row counts for one logical database.
type Stats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
}

// DBTX abstracts *sql.DB and *sql.Tx so the write path can run inside the
// caller's business transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// EventStore is the outbox row store consumed by the relay. Every operation
// is scoped to one logical database.
type EventStore interface {
	// CreateEvent saves a new PENDING row using the given transaction. The
	// caller owns the transaction; committing it together with the business
	// change is what makes the outbox pattern atomic.
	CreateEvent(ctx context.Context, tx DBTX, db string, event *OutboxEvent) error
	// GetPendingEvents returns up to limit PENDING rows in creation order.
	GetPendingEvents(ctx context.Context, db string, limit int) ([]OutboxEvent, error)
	// MarkAsProcessing flags a row as picked up by the relay.
	MarkAsProcessing(ctx context.Context, db, id string) error
	// MarkAsCompleted flags a row as published.
	MarkAsCompleted(ctx context.Context, db, id string) error
	// MarkAsFailed flags a row as failed with the publish error text.
	MarkAsFailed(ctx context.Context, db, id, lastError string) error
	// RequeueFailedEvents moves FAILED rows below the retry cap back to
	// PENDING, incrementing their retry count. Rows at the cap stay FAILED
	// for manual inspection. Returns the number of requeued rows.
	RequeueFailedEvents(ctx context.Context, db string, maxRetries int) (int64, error)
	// CleanupCompletedEvents deletes COMPLETED rows older than the retention
	// window. Rows in any other status are never touched regardless of age.
	CleanupCompletedEvents(ctx context.Context, db string, retentionDays int) (int64, error)
	// GetStats returns per-status row counts.
	GetStats(ctx context.Context, db string) (Stats, error)
}

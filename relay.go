package eventrelay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veridianhq/eventrelay/storage"
)

const relaySource = "outbox-relay"

// Relay polls the event store for pending outbox rows, routes each to its
// topic, publishes it, and records the outcome on the row. One relay serves
// one or more logical databases, processed independently per cycle.
type Relay struct {
	store     storage.EventStore
	publisher Publisher
	logger    *zap.Logger
	metrics   MetricsCollector

	databases     []string
	batchSize     int
	maxRetries    int
	retentionDays int

	// inFlight prevents overlapping cycles within this process. It does not
	// coordinate across replicas; running several relays against the same
	// store needs a cross-process claim.
	inFlight atomic.Bool
	enabled  atomic.Bool
}

// RelayStats is the operational snapshot returned by GetStats.
type RelayStats struct {
	Databases map[string]storage.Stats
	InFlight  bool
	Enabled   bool
}

// NewRelay creates a relay with functional options. Processing starts enabled.
func NewRelay(store storage.EventStore, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:         store,
		publisher:     publisher,
		logger:        zap.NewNop(),
		metrics:       NewNopMetricsCollector(),
		databases:     []string{"default"},
		batchSize:     defaultBatchSize,
		maxRetries:    defaultMaxRetries,
		retentionDays: defaultRetentionDays,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.enabled.Store(true)
	return r
}

// SetProcessingEnabled switches the relay on or off globally. Shutdown code
// disables processing first so no new cycle starts while draining.
func (r *Relay) SetProcessingEnabled(enabled bool) {
	r.enabled.Store(enabled)
	r.logger.Info("Relay processing toggled", zap.Bool("enabled", enabled))
}

// ProcessOutbox is the scheduled entry point. If a previous invocation is
// still running, it returns immediately without touching the store.
func (r *Relay) ProcessOutbox(ctx context.Context) error {
	if !r.enabled.Load() {
		return nil
	}
	return r.runCycle(ctx)
}

// TriggerProcessing runs one cycle synchronously for operational tooling. It
// bypasses the enabled switch but still respects the in-flight guard.
func (r *Relay) TriggerProcessing(ctx context.Context) error {
	return r.runCycle(ctx)
}

func (r *Relay) runCycle(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("Previous relay cycle still in flight, skipping")
		r.metrics.IncrementCounter("relay.cycle_skipped", nil)
		return nil
	}
	defer r.inFlight.Store(false)

	start := time.Now()
	for _, db := range r.databases {
		if err := r.processDatabase(ctx, db); err != nil {
			r.logger.Error("Failed to process outbox for database",
				zap.String("database", db),
				zap.Error(err))
			r.metrics.IncrementCounter("relay.database_failed", map[string]string{"database": db})
		}
	}
	r.metrics.RecordDuration("relay.cycle_duration", time.Since(start), nil)
	return nil
}

func (r *Relay) processDatabase(ctx context.Context, db string) error {
	events, err := r.store.GetPendingEvents(ctx, db, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	r.logger.Info("Fetched pending outbox events",
		zap.String("database", db),
		zap.Int("count", len(events)))
	r.metrics.RecordGauge("relay.batch_size", float64(len(events)), map[string]string{"database": db})

	published, failed := 0, 0
	for _, event := range events {
		select {
		case <-ctx.Done():
			r.logger.Warn("Context cancelled mid-batch", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		if err := r.processEvent(ctx, db, event); err != nil {
			failed++
		} else {
			published++
		}
	}

	r.logger.Info("Outbox batch completed",
		zap.String("database", db),
		zap.Int("published", published),
		zap.Int("failed", failed))
	return nil
}

// processEvent relays one row. A failure is terminal for this cycle: the row
// is marked FAILED and the batch moves on.
func (r *Relay) processEvent(ctx context.Context, db string, event storage.OutboxEvent) error {
	fields := []zap.Field{
		zap.String("database", db),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_type", event.AggregateType),
		zap.String("aggregate_id", event.AggregateID),
	}

	if err := r.store.MarkAsProcessing(ctx, db, event.ID); err != nil {
		r.logger.Error("Failed to mark event as processing", append(fields, zap.Error(err))...)
		return err
	}

	topic, ok := RouteTopic(event.AggregateType)
	if !ok {
		r.logger.Warn("No topic mapping for aggregate type, using fallback",
			append(fields, zap.String("topic", string(topic)))...)
		r.metrics.IncrementCounter("relay.fallback_topic", map[string]string{"aggregate_type": event.AggregateType})
	}

	msg := EventMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		Timestamp:     time.Now().UTC(),
		Metadata: map[string]string{
			MetaDatabase: db,
			MetaSource:   relaySource,
		},
	}

	if _, err := r.publisher.Publish(ctx, topic, msg); err != nil {
		r.metrics.IncrementCounter("relay.publish_failed", map[string]string{"database": db})
		r.logger.Error("Failed to publish event", append(fields, zap.Error(err))...)
		if markErr := r.store.MarkAsFailed(ctx, db, event.ID, err.Error()); markErr != nil {
			r.logger.Error("Failed to mark event as failed", append(fields, zap.Error(markErr))...)
		}
		return err
	}

	if err := r.store.MarkAsCompleted(ctx, db, event.ID); err != nil {
		// Published but not recorded: the row will be re-sent next cycle.
		// At-least-once holds; consumers absorb the duplicate.
		r.metrics.IncrementCounter("relay.mark_completed_failed", map[string]string{"database": db})
		r.logger.Error("Failed to mark event as completed", append(fields, zap.Error(err))...)
		return err
	}

	r.metrics.IncrementCounter("relay.published", map[string]string{"database": db, "topic": string(topic)})
	r.logger.Debug("Event relayed", append(fields, zap.String("topic", string(topic)))...)
	return nil
}

// CleanupOldEvents deletes COMPLETED rows older than the retention window in
// every logical database. Failures are logged, not propagated, so the
// cleanup worker keeps running.
func (r *Relay) CleanupOldEvents(ctx context.Context) error {
	for _, db := range r.databases {
		deleted, err := r.store.CleanupCompletedEvents(ctx, db, r.retentionDays)
		if err != nil {
			r.logger.Error("Failed to clean up completed events",
				zap.String("database", db),
				zap.Error(err))
			r.metrics.IncrementCounter("cleanup.failed", map[string]string{"database": db})
			continue
		}
		if deleted > 0 {
			r.logger.Info("Cleaned up completed events",
				zap.String("database", db),
				zap.Int64("deleted", deleted),
				zap.Int("retention_days", r.retentionDays))
			r.metrics.RecordGauge("cleanup.deleted", float64(deleted), map[string]string{"database": db})
		}
	}
	return nil
}

// RetryFailedEvents requeues FAILED rows below the retry cap back to PENDING
// in every logical database. Rows at the cap stay FAILED for manual
// inspection.
func (r *Relay) RetryFailedEvents(ctx context.Context) error {
	for _, db := range r.databases {
		requeued, err := r.store.RequeueFailedEvents(ctx, db, r.maxRetries)
		if err != nil {
			r.logger.Error("Failed to requeue failed events",
				zap.String("database", db),
				zap.Error(err))
			r.metrics.IncrementCounter("retry_sweep.failed", map[string]string{"database": db})
			continue
		}
		if requeued > 0 {
			r.logger.Info("Requeued failed events for retry",
				zap.String("database", db),
				zap.Int64("requeued", requeued),
				zap.Int("max_retries", r.maxRetries))
			r.metrics.RecordGauge("retry_sweep.requeued", float64(requeued), map[string]string{"database": db})
		}
	}
	return nil
}

// GetStats aggregates per-database row counts and the relay's flags.
func (r *Relay) GetStats(ctx context.Context) (RelayStats, error) {
	stats := RelayStats{
		Databases: make(map[string]storage.Stats, len(r.databases)),
		InFlight:  r.inFlight.Load(),
		Enabled:   r.enabled.Load(),
	}
	for _, db := range r.databases {
		dbStats, err := r.store.GetStats(ctx, db)
		if err != nil {
			return RelayStats{}, fmt.Errorf("failed to get stats for %s: %w", db, err)
		}
		stats.Databases[db] = dbStats
	}
	return stats, nil
}

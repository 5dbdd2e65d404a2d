package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockEventStore is a mock implementation of the EventStore interface for testing.
type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) CreateEvent(ctx context.Context, tx DBTX, db string, event *OutboxEvent) error {
	args := m.Called(ctx, tx, db, event)
	return args.Error(0)
}

func (m *MockEventStore) GetPendingEvents(ctx context.Context, db string, limit int) ([]OutboxEvent, error) {
	args := m.Called(ctx, db, limit)
	return args.Get(0).([]OutboxEvent), args.Error(1)
}

func (m *MockEventStore) MarkAsProcessing(ctx context.Context, db, id string) error {
	args := m.Called(ctx, db, id)
	return args.Error(0)
}

func (m *MockEventStore) MarkAsCompleted(ctx context.Context, db, id string) error {
	args := m.Called(ctx, db, id)
	return args.Error(0)
}

func (m *MockEventStore) MarkAsFailed(ctx context.Context, db, id, lastError string) error {
	args := m.Called(ctx, db, id, lastError)
	return args.Error(0)
}

func (m *MockEventStore) RequeueFailedEvents(ctx context.Context, db string, maxRetries int) (int64, error) {
	args := m.Called(ctx, db, maxRetries)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventStore) CleanupCompletedEvents(ctx context.Context, db string, retentionDays int) (int64, error) {
	args := m.Called(ctx, db, retentionDays)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventStore) GetStats(ctx context.Context, db string) (Stats, error) {
	args := m.Called(ctx, db)
	return args.Get(0).(Stats), args.Error(1)
}

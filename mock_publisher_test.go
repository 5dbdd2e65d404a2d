package eventrelay

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPublisher) Publish(ctx context.Context, topic Topic, msg EventMessage) (PublishResult, error) {
	args := m.Called(ctx, topic, msg)
	return args.Get(0).(PublishResult), args.Error(1)
}

func (m *MockPublisher) PublishBatch(ctx context.Context, topic Topic, msgs []EventMessage) error {
	args := m.Called(ctx, topic, msgs)
	return args.Error(0)
}

func (m *MockPublisher) SendToDLQ(ctx context.Context, originalTopic Topic, msg EventMessage, cause error) error {
	args := m.Called(ctx, originalTopic, msg, cause)
	return args.Error(0)
}

func (m *MockPublisher) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

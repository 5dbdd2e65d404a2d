package eventrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// recordingMetrics counts counter increments by name.
type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *recordingMetrics) IncrementCounter(name string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[name]++
}

func (m *recordingMetrics) RecordDuration(string, time.Duration, map[string]string) {}

func (m *recordingMetrics) RecordGauge(string, float64, map[string]string) {}

func (m *recordingMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func testMessageBytes(t *testing.T, msg EventMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func testEventMessage() EventMessage {
	return EventMessage{
		ID:            "evt-1",
		AggregateType: "Account",
		AggregateID:   "acct-123",
		EventType:     "ACCOUNT_CREATED",
		Payload:       []byte(`{"email":"a@b.c"}`),
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// recordingHandler counts invocations and optionally fails.
type recordingHandler struct {
	calls int
	err   error
}

func (h *recordingHandler) Handle(_ context.Context, _ EventMessage) error {
	h.calls++
	return h.err
}

func TestConsumer_Dispatch_EmptyBodyIsSkipped(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	handler := &recordingHandler{}
	consumer.RegisterHandler(TopicAccountEvents, handler)

	consumer.dispatch(context.Background(), TopicAccountEvents, nil)
	consumer.dispatch(context.Background(), TopicAccountEvents, []byte{})

	assert.Zero(t, handler.calls)
	mockPublisher.AssertNotCalled(t, "SendToDLQ")
}

func TestConsumer_Dispatch_UnparsableBodyIsSkipped(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	handler := &recordingHandler{}
	consumer.RegisterHandler(TopicAccountEvents, handler)

	consumer.dispatch(context.Background(), TopicAccountEvents, []byte("{not json"))

	assert.Zero(t, handler.calls)
	mockPublisher.AssertNotCalled(t, "SendToDLQ")
}

func TestConsumer_Dispatch_AllHandlersRunInOrder(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	var order []string
	consumer.RegisterHandler(TopicAccountEvents, HandlerFunc(func(context.Context, EventMessage) error {
		order = append(order, "first")
		return nil
	}))
	consumer.RegisterHandler(TopicAccountEvents, HandlerFunc(func(context.Context, EventMessage) error {
		order = append(order, "second")
		return nil
	}))

	consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.Equal(t, []string{"first", "second"}, order)
	mockPublisher.AssertNotCalled(t, "SendToDLQ")
}

func TestConsumer_Dispatch_FailingHandlerGoesToDLQAndOthersStillRun(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	handlerErr := errors.New("projection update failed")
	failing := &recordingHandler{err: handlerErr}
	healthy := &recordingHandler{}
	consumer.RegisterHandler(TopicAccountEvents, failing)
	consumer.RegisterHandler(TopicAccountEvents, healthy)

	mockPublisher.On("SendToDLQ", mock.Anything, TopicAccountEvents, mock.MatchedBy(func(msg EventMessage) bool {
		return msg.AggregateType == "Account" &&
			msg.AggregateID == "acct-123" &&
			msg.EventType == "ACCOUNT_CREATED"
	}), handlerErr).Return(nil).Once()

	consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls, "healthy handler must still run after a failing one")
	mockPublisher.AssertExpectations(t)
}

func TestConsumer_Dispatch_EachFailingHandlerProducesItsOwnDLQEntry(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	consumer.RegisterHandler(TopicAccountEvents, &recordingHandler{err: errors.New("first failure")})
	consumer.RegisterHandler(TopicAccountEvents, &recordingHandler{err: errors.New("second failure")})

	mockPublisher.On("SendToDLQ", mock.Anything, TopicAccountEvents, mock.Anything, mock.Anything).
		Return(nil).Twice()

	consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	mockPublisher.AssertExpectations(t)
}

func TestConsumer_Dispatch_DLQFailureDoesNotStopDispatch(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	failing := &recordingHandler{err: errors.New("boom")}
	healthy := &recordingHandler{}
	consumer.RegisterHandler(TopicAccountEvents, failing)
	consumer.RegisterHandler(TopicAccountEvents, healthy)

	mockPublisher.On("SendToDLQ", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("dlq unavailable")).Once()

	consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.Equal(t, 1, healthy.calls)
	mockPublisher.AssertExpectations(t)
}

func TestConsumer_Dispatch_HandlersAreScopedToTheirTopic(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	account := &recordingHandler{}
	session := &recordingHandler{}
	consumer.RegisterHandler(TopicAccountEvents, account)
	consumer.RegisterHandler(TopicSessionEvents, session)

	consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.Equal(t, 1, account.calls)
	assert.Zero(t, session.calls)
}

func TestConsumer_PauseResumeBookkeeping(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	require.NoError(t, consumer.Pause(TopicAccountEvents))
	assert.True(t, consumer.IsPaused(TopicAccountEvents))
	assert.False(t, consumer.IsPaused(TopicSessionEvents))

	require.NoError(t, consumer.Resume(TopicAccountEvents))
	assert.False(t, consumer.IsPaused(TopicAccountEvents))
}

func TestConsumer_Subscribe_RecordsReplayPreference(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	consumer.Subscribe(TopicAccountEvents, &recordingHandler{}, true)
	consumer.Subscribe(TopicSessionEvents, &recordingHandler{}, false)

	consumer.mu.RLock()
	defer consumer.mu.RUnlock()
	assert.True(t, consumer.fromBeginning[TopicAccountEvents])
	assert.False(t, consumer.fromBeginning[TopicSessionEvents])
	assert.Len(t, consumer.handlers[TopicAccountEvents], 1)
}

func TestConsumer_Disconnect_WhenNotConnectedIsNoOp(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	require.NoError(t, consumer.Disconnect())
	require.NoError(t, consumer.Disconnect())
}

func TestConsumer_Dispatch_PausedTopicHoldsDelivery(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	handler := &recordingHandler{}
	consumer.RegisterHandler(TopicAccountEvents, handler)
	require.NoError(t, consumer.Pause(TopicAccountEvents))

	stored := consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.False(t, stored, "a held message's offset must not be stored")
	assert.Zero(t, handler.calls, "no handler runs while the topic is paused")

	require.NoError(t, consumer.Resume(TopicAccountEvents))
	stored = consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.True(t, stored)
	assert.Equal(t, 1, handler.calls)
}

func TestConsumer_Dispatch_SkippedBodiesAdvanceOffset(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)
	consumer.RegisterHandler(TopicAccountEvents, &recordingHandler{})

	assert.True(t, consumer.dispatch(context.Background(), TopicAccountEvents, nil),
		"an empty body is dropped for good, its offset moves on")
	assert.True(t, consumer.dispatch(context.Background(), TopicAccountEvents, []byte("{not json")),
		"an unparsable body is dropped for good, its offset moves on")
}

func TestConsumer_RebalanceReappliesPause(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	require.NoError(t, consumer.Pause(TopicAccountEvents))

	account := string(TopicAccountEvents)
	session := string(TopicSessionEvents)
	assigned := []kafka.TopicPartition{
		{Topic: &account, Partition: 0},
		{Topic: &account, Partition: 1},
		{Topic: &session, Partition: 0},
		{Topic: nil},
	}

	paused := consumer.pausedSubset(assigned)

	require.Len(t, paused, 2, "only the paused topic's partitions are re-paused")
	for _, tp := range paused {
		assert.Equal(t, account, *tp.Topic)
	}

	require.NoError(t, consumer.Resume(TopicAccountEvents))
	assert.Empty(t, consumer.pausedSubset(assigned))
}

func TestConsumer_OffsetStorageDefaults(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)

	assert.Equal(t, false, consumer.consumerProps["enable.auto.offset.store"],
		"offsets are stored by hand only after dispatch")
	assert.Equal(t, true, consumer.consumerProps["enable.auto.commit"],
		"the auto-commit tick commits the stored offsets")
}

func TestConsumer_Dispatch_ProcessedMetricOnlyOnCleanRun(t *testing.T) {
	mockPublisher := new(MockPublisher)
	metrics := &recordingMetrics{}
	consumer := NewConsumer(nil, mockPublisher, WithConsumerMetrics(metrics))

	consumer.RegisterHandler(TopicAccountEvents, &recordingHandler{err: errors.New("boom")})
	mockPublisher.On("SendToDLQ", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once()

	consumer.dispatch(context.Background(), TopicAccountEvents, testMessageBytes(t, testEventMessage()))

	assert.Zero(t, metrics.count("consumer.processed"), "a dead-lettered message is not processed")
	assert.Equal(t, 1, metrics.count("consumer.handler_failed"))

	consumer.RegisterHandler(TopicSessionEvents, &recordingHandler{})
	consumer.dispatch(context.Background(), TopicSessionEvents, testMessageBytes(t, testEventMessage()))

	assert.Equal(t, 1, metrics.count("consumer.processed"))
}

func TestConsumer_ReconnectAfterDisconnect(t *testing.T) {
	mockPublisher := new(MockPublisher)
	consumer := NewConsumer(nil, mockPublisher)
	consumer.Subscribe(TopicAccountEvents, &recordingHandler{}, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, consumer.Connect(ctx))
	require.NoError(t, consumer.Disconnect())

	require.NoError(t, consumer.Connect(ctx), "a disconnected consumer can be connected again")

	consumer.mu.RLock()
	assert.NotNil(t, consumer.consumer)
	assert.NotNil(t, consumer.stopChan)
	consumer.mu.RUnlock()

	require.NoError(t, consumer.Disconnect())
}

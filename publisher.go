package eventrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when publishing before Connect.
var ErrNotConnected = errors.New("publisher is not connected")

// PublishResult carries the broker placement of a successfully published message.
type PublishResult struct {
	Topic     Topic
	Partition int32
	Offset    int64
}

// Publisher sends event messages to the broker.
type Publisher interface {
	// Connect establishes the broker connection. Safe to call when already
	// connected.
	Connect(ctx context.Context) error
	// Publish sends one message to the topic, keyed by the message's
	// partition key, and waits for the broker's delivery report.
	Publish(ctx context.Context, topic Topic, msg EventMessage) (PublishResult, error)
	// PublishBatch sends many messages to the topic in one produce pass.
	PublishBatch(ctx context.Context, topic Topic, msgs []EventMessage) error
	// SendToDLQ publishes a copy of the message to the dead-letter topic,
	// augmented with the original topic, the failure, and a timestamp.
	SendToDLQ(ctx context.Context, originalTopic Topic, msg EventMessage, cause error) error
	// Disconnect flushes and closes the connection. Safe when not connected.
	Disconnect() error
}

// KafkaPublisher implements Publisher on a confluent-kafka-go producer.
type KafkaPublisher struct {
	logger        *zap.Logger
	metrics       MetricsCollector
	producerProps kafka.ConfigMap
	dlqTopic      Topic
	dlqRetry      RetryPolicy
	flushTimeout  time.Duration

	mu       sync.Mutex
	producer *kafka.Producer
}

// NewKafkaPublisher creates a publisher with functional options. The producer
// is configured idempotent so client-side retries of a single send cannot
// duplicate a write; relay-level re-sends after a crash are still possible
// and consumers must tolerate them.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger:  logger,
		metrics: NewNopMetricsCollector(),
		producerProps: kafka.ConfigMap{
			"bootstrap.servers":  "localhost:9092",
			"acks":               "all",
			"enable.idempotence": true,
			"linger.ms":          10,
			"compression.type":   "snappy",
		},
		dlqTopic:     TopicDLQ,
		dlqRetry:     DefaultRetryPolicy(),
		flushTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect creates the underlying producer. Calling it again while connected
// is a no-op.
func (p *KafkaPublisher) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.producer != nil {
		return nil
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleProducerEvents(producer)

	p.logger.Info("Kafka producer connected")
	return nil
}

// Disconnect flushes outstanding messages and closes the producer. Calling it
// when not connected is a no-op.
func (p *KafkaPublisher) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.producer == nil {
		return nil
	}

	p.logger.Info("Closing kafka producer")
	p.producer.Flush(int(p.flushTimeout.Milliseconds()))
	p.producer.Close()
	p.producer = nil
	return nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic Topic, msg EventMessage) (PublishResult, error) {
	producer, err := p.current()
	if err != nil {
		return PublishResult{}, err
	}

	kafkaMsg, err := p.buildMessage(ctx, topic, msg)
	if err != nil {
		return PublishResult{}, err
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := producer.Produce(kafkaMsg, deliveryChan); err != nil {
		p.metrics.IncrementCounter("publisher.produce_failed", map[string]string{"topic": string(topic)})
		return PublishResult{}, fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	case e := <-deliveryChan:
		report, ok := e.(*kafka.Message)
		if !ok {
			return PublishResult{}, fmt.Errorf("unexpected delivery event: %v", e)
		}
		if report.TopicPartition.Error != nil {
			p.metrics.IncrementCounter("publisher.delivery_failed", map[string]string{"topic": string(topic)})
			return PublishResult{}, fmt.Errorf("delivery failed: %w", report.TopicPartition.Error)
		}
		p.metrics.IncrementCounter("publisher.delivered", map[string]string{"topic": string(topic)})
		return PublishResult{
			Topic:     topic,
			Partition: report.TopicPartition.Partition,
			Offset:    int64(report.TopicPartition.Offset),
		}, nil
	}
}

func (p *KafkaPublisher) PublishBatch(ctx context.Context, topic Topic, msgs []EventMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	producer, err := p.current()
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, len(msgs))
	produced := 0
	for i := range msgs {
		kafkaMsg, err := p.buildMessage(ctx, topic, msgs[i])
		if err != nil {
			return err
		}
		if err := producer.Produce(kafkaMsg, deliveryChan); err != nil {
			return fmt.Errorf("failed to produce message %d of %d: %w", i+1, len(msgs), err)
		}
		produced++
	}

	var failed int
	var firstErr error
	for i := 0; i < produced; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-deliveryChan:
			report, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if report.TopicPartition.Error != nil {
				failed++
				if firstErr == nil {
					firstErr = report.TopicPartition.Error
				}
			}
		}
	}
	if firstErr != nil {
		p.metrics.IncrementCounter("publisher.batch_failed", map[string]string{"topic": string(topic)})
		return fmt.Errorf("batch publish: %d of %d deliveries failed: %w", failed, produced, firstErr)
	}
	p.metrics.IncrementCounter("publisher.batch_delivered", map[string]string{"topic": string(topic)})
	return nil
}

// SendToDLQ publishes the augmented message to the dead-letter topic. The
// publish itself is retried with the publisher's retry policy; if every
// attempt fails the error propagates to the caller.
func (p *KafkaPublisher) SendToDLQ(ctx context.Context, originalTopic Topic, msg EventMessage, cause error) error {
	dlqMsg := BuildDLQMessage(originalTopic, msg, cause)

	return p.dlqRetry.Do(ctx, p.logger, "dlq_publish", func(ctx context.Context) error {
		_, err := p.Publish(ctx, p.dlqTopic, dlqMsg)
		return err
	})
}

// BuildDLQMessage returns a copy of the message augmented with dead-letter
// metadata. The original fields are preserved untouched.
func BuildDLQMessage(originalTopic Topic, msg EventMessage, cause error) EventMessage {
	return msg.WithMetadata(map[string]string{
		MetaOriginalTopic: string(originalTopic),
		MetaError:         cause.Error(),
		MetaErrorStack:    fmt.Sprintf("%+v", cause),
		MetaDLQTimestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (p *KafkaPublisher) current() (*kafka.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer == nil {
		return nil, ErrNotConnected
	}
	return p.producer, nil
}

func (p *KafkaPublisher) buildMessage(ctx context.Context, topic Topic, msg EventMessage) (*kafka.Message, error) {
	// Copy before injecting trace context so the caller's metadata map is
	// not mutated.
	msg = msg.WithMetadata(nil)
	otel.GetTextMapPropagator().Inject(ctx, NewMessageCarrier(&msg))

	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event message: %w", err)
	}

	topicName := string(topic)
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topicName, Partition: kafka.PartitionAny},
		Key:            []byte(msg.PartitionKey()),
		Value:          value,
		Headers:        buildKafkaHeaders(msg),
		Timestamp:      msg.Timestamp,
	}, nil
}

// handleProducerEvents drains the producer's global event channel. Delivery
// reports arrive on per-call channels; only client-level errors land here.
func (p *KafkaPublisher) handleProducerEvents(producer *kafka.Producer) {
	for e := range producer.Events() {
		if kafkaErr, ok := e.(kafka.Error); ok {
			p.logger.Error("Kafka producer error", zap.Error(kafkaErr))
		}
	}
}

// buildKafkaHeaders mirrors the message's identifying fields into broker
// headers so they can be inspected without deserializing the payload.
func buildKafkaHeaders(msg EventMessage) []kafka.Header {
	return []kafka.Header{
		{Key: "event-type", Value: []byte(msg.EventType)},
		{Key: "aggregate-type", Value: []byte(msg.AggregateType)},
		{Key: "aggregate-id", Value: []byte(msg.AggregateID)},
		{Key: "event-id", Value: []byte(msg.ID)},
		{Key: "timestamp", Value: []byte(msg.Timestamp.UTC().Format(time.RFC3339Nano))},
	}
}

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Connect(context.Context) error { return nil }

func (p *NopPublisher) Publish(_ context.Context, topic Topic, _ EventMessage) (PublishResult, error) {
	return PublishResult{Topic: topic}, nil
}

func (p *NopPublisher) PublishBatch(context.Context, Topic, []EventMessage) error { return nil }

func (p *NopPublisher) SendToDLQ(context.Context, Topic, EventMessage, error) error { return nil }

func (p *NopPublisher) Disconnect() error { return nil }

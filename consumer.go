package eventrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Handler processes one event message. Handlers must be idempotent: the
// pipeline guarantees at-least-once delivery, not exactly-once.
type Handler interface {
	Handle(ctx context.Context, msg EventMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg EventMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg EventMessage) error {
	return f(ctx, msg)
}

// Consumer receives messages for a consumer group and dispatches them to the
// handlers registered per topic. Failures are contained at two levels: a
// malformed message is logged and skipped, and a failing handler is logged
// and dead-lettered. Neither stops the receive loop.
//
// Offsets are stored only after a message has been dispatched, so a crash
// mid-handler re-delivers the message instead of losing it.
type Consumer struct {
	logger        *zap.Logger
	metrics       MetricsCollector
	publisher     Publisher
	consumerProps kafka.ConfigMap
	pollTimeout   time.Duration

	mu            sync.RWMutex
	handlers      map[Topic][]Handler
	fromBeginning map[Topic]bool
	paused        map[Topic]struct{}
	consumer      *kafka.Consumer
	stopChan      chan struct{}

	wg sync.WaitGroup
}

// NewConsumer creates a consumer with functional options. The publisher is
// required for the dead-letter path.
func NewConsumer(logger *zap.Logger, publisher Publisher, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		logger:    logger,
		metrics:   NewNopMetricsCollector(),
		publisher: publisher,
		consumerProps: kafka.ConfigMap{
			"bootstrap.servers": "localhost:9092",
			"group.id":          "event-relay",
			"auto.offset.reset": "latest",
			// Offsets are stored by hand after dispatch; the auto-commit tick
			// then only commits what has actually been handled.
			"enable.auto.commit":       true,
			"enable.auto.offset.store": false,
		},
		pollTimeout:   100 * time.Millisecond,
		handlers:      make(map[Topic][]Handler),
		fromBeginning: make(map[Topic]bool),
		paused:        make(map[Topic]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterHandler appends the handler to the topic's ordered handler list.
// Every registered handler runs for every message on the topic.
func (c *Consumer) RegisterHandler(topic Topic, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], handler)
}

// Subscribe registers the handler and records the topic for the next
// Connect. fromBeginning controls whether a fresh consumer group replays the
// topic from the earliest offset.
func (c *Consumer) Subscribe(topic Topic, handler Handler, fromBeginning bool) {
	c.RegisterHandler(topic, handler)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fromBeginning[topic] = fromBeginning
}

// Connect joins the consumer group, subscribes to every recorded topic, and
// starts the receive loop. Calling it again while connected is a no-op; a
// disconnected consumer can be connected again.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumer != nil {
		return nil
	}

	topics := make([]string, 0, len(c.handlers))
	replay := false
	for topic := range c.handlers {
		topics = append(topics, string(topic))
		if c.fromBeginning[topic] {
			replay = true
		}
	}
	if len(topics) == 0 {
		return fmt.Errorf("no topics registered")
	}

	props := kafka.ConfigMap{}
	for k, v := range c.consumerProps {
		props[k] = v
	}
	// auto.offset.reset is group-wide in the client; one replay subscription
	// opts the whole group into earliest.
	if replay {
		props["auto.offset.reset"] = "earliest"
	}

	consumer, err := kafka.NewConsumer(&props)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := consumer.SubscribeTopics(topics, c.rebalance); err != nil {
		consumer.Close()
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	c.consumer = consumer
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.receiveLoop(ctx, consumer, c.stopChan)

	c.logger.Info("Consumer connected", zap.Strings("topics", topics))
	return nil
}

// Disconnect stops the receive loop and leaves the group. Calling it when not
// connected is a no-op.
func (c *Consumer) Disconnect() error {
	c.mu.Lock()
	consumer := c.consumer
	stopChan := c.stopChan
	c.consumer = nil
	c.stopChan = nil
	c.mu.Unlock()

	if consumer == nil {
		return nil
	}

	close(stopChan)
	c.wg.Wait()

	c.logger.Info("Consumer disconnecting")
	return consumer.Close()
}

// Pause suspends delivery for one topic. Other topics keep flowing. The pause
// survives rebalances: newly assigned partitions of a paused topic are
// re-paused, and anything already fetched is dropped without storing its
// offset, so it is re-delivered on resume.
func (c *Consumer) Pause(topic Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused[topic] = struct{}{}
	if c.consumer == nil {
		return nil
	}
	partitions, err := c.assignedPartitions(topic)
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		return nil
	}
	return c.consumer.Pause(partitions)
}

// Resume continues delivery for a paused topic.
func (c *Consumer) Resume(topic Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.paused, topic)
	if c.consumer == nil {
		return nil
	}
	partitions, err := c.assignedPartitions(topic)
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		return nil
	}
	return c.consumer.Resume(partitions)
}

// IsPaused reports whether delivery for the topic is currently suspended.
func (c *Consumer) IsPaused(topic Topic) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.paused[topic]
	return ok
}

func (c *Consumer) assignedPartitions(topic Topic) ([]kafka.TopicPartition, error) {
	assignment, err := c.consumer.Assignment()
	if err != nil {
		return nil, fmt.Errorf("failed to read assignment: %w", err)
	}
	var partitions []kafka.TopicPartition
	for _, tp := range assignment {
		if tp.Topic != nil && *tp.Topic == string(topic) {
			partitions = append(partitions, tp)
		}
	}
	return partitions, nil
}

// rebalance keeps paused topics paused across partition reassignment; the
// client does not carry pause state over a rebalance on its own.
func (c *Consumer) rebalance(consumer *kafka.Consumer, event kafka.Event) error {
	switch e := event.(type) {
	case kafka.AssignedPartitions:
		if err := consumer.Assign(e.Partitions); err != nil {
			return err
		}
		if paused := c.pausedSubset(e.Partitions); len(paused) > 0 {
			if err := consumer.Pause(paused); err != nil {
				c.logger.Error("Failed to re-pause partitions after rebalance", zap.Error(err))
			}
		}
	case kafka.RevokedPartitions:
		return consumer.Unassign()
	}
	return nil
}

// pausedSubset filters the partitions down to those on currently paused topics.
func (c *Consumer) pausedSubset(partitions []kafka.TopicPartition) []kafka.TopicPartition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var paused []kafka.TopicPartition
	for _, tp := range partitions {
		if tp.Topic == nil {
			continue
		}
		if _, ok := c.paused[Topic(*tp.Topic)]; ok {
			paused = append(paused, tp)
		}
	}
	return paused
}

func (c *Consumer) receiveLoop(ctx context.Context, consumer *kafka.Consumer, stopChan chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		default:
		}

		ev := consumer.Poll(int(c.pollTimeout.Milliseconds()))
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			topic := Topic("")
			if e.TopicPartition.Topic != nil {
				topic = Topic(*e.TopicPartition.Topic)
			}
			if c.dispatch(ctx, topic, e.Value) {
				if _, err := consumer.StoreMessage(e); err != nil {
					c.logger.Error("Failed to store offset",
						zap.String("topic", string(topic)),
						zap.Error(err))
				}
			}
		case kafka.Error:
			// Client-level errors are logged; the client recovers on its own
			// where possible.
			c.logger.Error("Kafka consumer error", zap.Error(e))
		}
	}
}

// dispatch runs the per-message routine and reports whether the message's
// offset may be stored. It never returns an error: a bad body degrades to
// "logged and dropped", a failing handler degrades to "logged and
// dead-lettered", and the next message is processed regardless. The only
// false return is a paused topic, whose messages are held for re-delivery.
func (c *Consumer) dispatch(ctx context.Context, topic Topic, value []byte) bool {
	if c.IsPaused(topic) {
		// A fetch already in flight when the pause landed still surfaces its
		// messages; they are neither handled nor committed.
		c.metrics.IncrementCounter("consumer.paused_skip", map[string]string{"topic": string(topic)})
		return false
	}

	if len(value) == 0 {
		c.logger.Warn("Skipping message with empty body", zap.String("topic", string(topic)))
		c.metrics.IncrementCounter("consumer.empty_body", map[string]string{"topic": string(topic)})
		return true
	}

	var msg EventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.logger.Warn("Skipping unparsable message",
			zap.String("topic", string(topic)),
			zap.Error(err))
		c.metrics.IncrementCounter("consumer.unparsable_body", map[string]string{"topic": string(topic)})
		return true
	}

	msgCtx := otel.GetTextMapPropagator().Extract(ctx, NewMessageCarrier(&msg))

	c.mu.RLock()
	handlers := c.handlers[topic]
	c.mu.RUnlock()

	failed := 0
	for i, handler := range handlers {
		if err := handler.Handle(msgCtx, msg); err != nil {
			failed++
			c.logger.Error("Handler failed, sending to DLQ",
				zap.String("topic", string(topic)),
				zap.Int("handler", i),
				zap.String("event_id", msg.ID),
				zap.String("event_type", msg.EventType),
				zap.Error(err))
			c.metrics.IncrementCounter("consumer.handler_failed", map[string]string{"topic": string(topic)})

			if dlqErr := c.publisher.SendToDLQ(msgCtx, topic, msg, err); dlqErr != nil {
				// The event is lost at this point. Log everything needed to
				// replay it by hand.
				c.logger.Error("DLQ publish failed, event dropped",
					zap.String("topic", string(topic)),
					zap.String("event_id", msg.ID),
					zap.String("event_type", msg.EventType),
					zap.String("aggregate", msg.PartitionKey()),
					zap.ByteString("payload", msg.Payload),
					zap.Error(dlqErr))
				c.metrics.IncrementCounter("consumer.dlq_failed", map[string]string{"topic": string(topic)})
			}
			continue
		}
	}
	if failed == 0 {
		c.metrics.IncrementCounter("consumer.processed", map[string]string{"topic": string(topic)})
	}
	return true
}

package eventrelay

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	defaultBatchSize          = 100
	defaultMaxRetries         = 5
	defaultRetentionDays      = 7
	defaultPollInterval       = 5 * time.Second
	defaultCleanupInterval    = 24 * time.Hour
	defaultRetrySweepInterval = time.Hour
)

//
// KafkaPublisher options
//

type KafkaPublisherOption func(*KafkaPublisher)

// WithProducerProps merges the given properties over the publisher defaults.
func WithProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithDLQTopic(topic Topic) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.dlqTopic = topic
	}
}

func WithDLQRetryPolicy(policy RetryPolicy) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.dlqRetry = policy
	}
}

func WithPublisherMetrics(metrics MetricsCollector) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.metrics = metrics
	}
}

func WithFlushTimeout(timeout time.Duration) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.flushTimeout = timeout
	}
}

//
// Consumer options
//

type ConsumerOption func(*Consumer)

// WithConsumerProps merges the given properties over the consumer defaults.
func WithConsumerProps(props kafka.ConfigMap) ConsumerOption {
	return func(c *Consumer) {
		for k, v := range props {
			c.consumerProps[k] = v
		}
	}
}

func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

func WithPollTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pollTimeout = timeout
	}
}

//
// Relay options
//

type RelayOption func(*Relay)

func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRelayMetrics(metrics MetricsCollector) RelayOption {
	return func(r *Relay) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithDatabases sets the logical databases the relay polls each cycle.
func WithDatabases(databases ...string) RelayOption {
	return func(r *Relay) {
		if len(databases) > 0 {
			r.databases = databases
		}
	}
}

func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithMaxRetries caps how many times the retry sweep requeues a FAILED row.
func WithMaxRetries(max int) RelayOption {
	return func(r *Relay) {
		if max > 0 {
			r.maxRetries = max
		}
	}
}

func WithRetentionDays(days int) RelayOption {
	return func(r *Relay) {
		if days > 0 {
			r.retentionDays = days
		}
	}
}

//
// Pipeline options
//

type PipelineOption func(*Pipeline)

func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(metrics MetricsCollector) PipelineOption {
	return func(p *Pipeline) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

func WithPollInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

func WithCleanupInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if interval > 0 {
			p.cleanupInterval = interval
		}
	}
}

func WithRetrySweepInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if interval > 0 {
			p.retrySweepInterval = interval
		}
	}
}

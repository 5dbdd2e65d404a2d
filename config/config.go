// Package config loads the pipeline configuration from file and environment.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/spf13/viper"
)

type Broker struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	GroupID           string        `mapstructure:"group_id"`
	TLS               bool          `mapstructure:"tls"`
	SASLMechanism     string        `mapstructure:"sasl_mechanism"`
	SASLUsername      string        `mapstructure:"sasl_username"`
	SASLPassword      string        `mapstructure:"sasl_password"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	Retry             Retry         `mapstructure:"retry"`
}

type Retry struct {
	InitialRetryTime time.Duration `mapstructure:"initial_retry_time"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxRetryTime     time.Duration `mapstructure:"max_retry_time"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
}

type Consumer struct {
	SessionTimeout       time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxBytesPerPartition int           `mapstructure:"max_bytes_per_partition"`
}

type Relay struct {
	BatchSize          int           `mapstructure:"batch_size"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	RetentionDays      int           `mapstructure:"retention_days"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	// Databases maps each logical database name to its MySQL DSN.
	Databases map[string]string `mapstructure:"databases"`
	Broker    Broker            `mapstructure:"broker"`
	Consumer  Consumer          `mapstructure:"consumer"`
	Relay     Relay             `mapstructure:"relay"`
	Log       Log               `mapstructure:"log"`
	Env       string            `mapstructure:"environment"`
}

// DatabaseNames returns the logical database names in stable order.
func (c Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// securityProtocol picks the librdkafka security.protocol from the TLS and
// SASL settings. Credentials configured means auth is required; absent means
// an unauthenticated connection.
func (b Broker) securityProtocol() string {
	switch {
	case b.TLS && b.SASLMechanism != "":
		return "SASL_SSL"
	case b.TLS:
		return "SSL"
	case b.SASLMechanism != "":
		return "SASL_PLAINTEXT"
	default:
		return "PLAINTEXT"
	}
}

func (b Broker) baseConfigMap() kafka.ConfigMap {
	props := kafka.ConfigMap{
		"bootstrap.servers":                  strings.Join(b.Brokers, ","),
		"client.id":                          b.ClientID,
		"security.protocol":                  b.securityProtocol(),
		"socket.connection.setup.timeout.ms": int(b.ConnectionTimeout.Milliseconds()),
	}
	if b.SASLMechanism != "" {
		props["sasl.mechanisms"] = b.SASLMechanism
		props["sasl.username"] = b.SASLUsername
		props["sasl.password"] = b.SASLPassword
	}
	return props
}

// ProducerConfigMap builds the producer properties. Idempotence stays on so
// client retries of one logical send cannot duplicate a write.
func (b Broker) ProducerConfigMap() kafka.ConfigMap {
	props := b.baseConfigMap()
	props["acks"] = "all"
	props["enable.idempotence"] = true
	props["retries"] = b.Retry.MaxRetries
	props["retry.backoff.ms"] = int(b.Retry.InitialRetryTime.Milliseconds())
	props["retry.backoff.max.ms"] = int(b.Retry.MaxRetryTime.Milliseconds())
	props["message.timeout.ms"] = int(b.RequestTimeout.Milliseconds())
	return props
}

// ConsumerConfigMap builds the consumer-group properties.
func (b Broker) ConsumerConfigMap(consumer Consumer) kafka.ConfigMap {
	props := b.baseConfigMap()
	props["group.id"] = b.GroupID
	props["session.timeout.ms"] = int(consumer.SessionTimeout.Milliseconds())
	props["heartbeat.interval.ms"] = int(consumer.HeartbeatInterval.Milliseconds())
	props["max.partition.fetch.bytes"] = consumer.MaxBytesPerPartition
	return props
}

// Load reads configuration from the given file (or the default search paths
// when empty), applies defaults, and overlays EVENTRELAY_* environment
// variables.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eventrelay")
	}

	v.SetEnvPrefix("EVENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("broker.sasl_username", "KAFKA_SASL_USERNAME")
	_ = v.BindEnv("broker.sasl_password", "KAFKA_SASL_PASSWORD")

	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.client_id", "event-relay")
	v.SetDefault("broker.group_id", "event-relay")
	v.SetDefault("broker.tls", false)
	v.SetDefault("broker.connection_timeout", "10s")
	v.SetDefault("broker.request_timeout", "30s")
	v.SetDefault("broker.retry.initial_retry_time", "300ms")
	v.SetDefault("broker.retry.max_retries", 5)
	v.SetDefault("broker.retry.max_retry_time", "30s")
	v.SetDefault("broker.retry.backoff_factor", 2.0)
	v.SetDefault("consumer.session_timeout", "30s")
	v.SetDefault("consumer.heartbeat_interval", "3s")
	v.SetDefault("consumer.max_bytes_per_partition", 1048576)
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.poll_interval", "5s")
	v.SetDefault("relay.cleanup_interval", "24h")
	v.SetDefault("relay.retention_days", 7)
	v.SetDefault("relay.max_retries", 5)
	v.SetDefault("relay.retry_sweep_interval", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("environment", "dev")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Broker.Brokers) == 0 {
		return fmt.Errorf("broker.brokers must not be empty")
	}
	if c.Broker.SASLMechanism != "" && (c.Broker.SASLUsername == "" || c.Broker.SASLPassword == "") {
		return fmt.Errorf("broker.sasl_mechanism set but credentials missing")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("relay.batch_size must be positive")
	}
	if c.Relay.RetentionDays <= 0 {
		return fmt.Errorf("relay.retention_days must be positive")
	}
	return nil
}

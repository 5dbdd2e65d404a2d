package eventrelay

import (
	"encoding/json"
	"time"
)

// Metadata keys attached to messages as they move through the pipeline.
const (
	MetaOriginalTopic = "originalTopic"
	MetaError         = "error"
	MetaErrorStack    = "errorStack"
	MetaDLQTimestamp  = "dlqTimestamp"
	MetaDatabase      = "database"
	MetaSource        = "source"
)

// EventMessage is the wire form of an outbox event. It is derived from an
// outbox row for each publish attempt and never persisted on its own; the
// row remains the durable source of truth.
type EventMessage struct {
	ID            string            `json:"id"`
	AggregateType string            `json:"aggregateType"`
	AggregateID   string            `json:"aggregateId"`
	EventType     string            `json:"eventType"`
	Payload       json.RawMessage   `json:"payload"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PartitionKey returns the broker partition key for the message. Events for
// the same aggregate always land on the same partition so their order is
// preserved end to end.
func (m EventMessage) PartitionKey() string {
	return m.AggregateType + ":" + m.AggregateID
}

// WithMetadata returns a copy of the message with the given keys merged into
// its metadata. The receiver's metadata map is never mutated.
func (m EventMessage) WithMetadata(extra map[string]string) EventMessage {
	merged := make(map[string]string, len(m.Metadata)+len(extra))
	for k, v := range m.Metadata {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	m.Metadata = merged
	return m
}

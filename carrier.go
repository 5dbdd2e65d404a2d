package eventrelay

import "go.opentelemetry.io/otel/propagation"

// MessageCarrier adapts an EventMessage's metadata to the OpenTelemetry
// TextMapCarrier interface so trace context survives the broker hop.
type MessageCarrier struct {
	msg *EventMessage
}

var _ propagation.TextMapCarrier = MessageCarrier{}

// NewMessageCarrier creates a carrier over the given message.
func NewMessageCarrier(msg *EventMessage) MessageCarrier {
	return MessageCarrier{msg: msg}
}

// Get returns the metadata value for the key, or empty.
func (c MessageCarrier) Get(key string) string {
	return c.msg.Metadata[key]
}

// Set stores the key in the message metadata, allocating the map on first use.
func (c MessageCarrier) Set(key, value string) {
	if c.msg.Metadata == nil {
		c.msg.Metadata = make(map[string]string)
	}
	c.msg.Metadata[key] = value
}

// Keys lists the metadata keys currently present.
func (c MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Metadata))
	for k := range c.msg.Metadata {
		keys = append(keys, k)
	}
	return keys
}

package eventrelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventMessage_PartitionKey(t *testing.T) {
	msg := EventMessage{AggregateType: "Account", AggregateID: "acct-123"}
	assert.Equal(t, "Account:acct-123", msg.PartitionKey())
}

func TestEventMessage_WithMetadata_MergesWithoutMutating(t *testing.T) {
	msg := EventMessage{Metadata: map[string]string{"a": "1"}}

	merged := msg.WithMetadata(map[string]string{"b": "2"})

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged.Metadata)
	assert.Equal(t, map[string]string{"a": "1"}, msg.Metadata)
}

func TestEventMessage_WithMetadata_NilReceiverMetadata(t *testing.T) {
	var msg EventMessage

	merged := msg.WithMetadata(map[string]string{"b": "2"})

	assert.Equal(t, "2", merged.Metadata["b"])
	assert.Nil(t, msg.Metadata)
}

func TestMessageCarrier_RoundTrip(t *testing.T) {
	msg := EventMessage{}
	carrier := NewMessageCarrier(&msg)

	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())
	assert.Equal(t, "00-abc-def-01", msg.Metadata["traceparent"])
}

package eventrelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteTopic_KnownAggregates(t *testing.T) {
	cases := map[string]Topic{
		"Account": TopicAccountEvents,
		"Session": TopicSessionEvents,
		"Consent": TopicConsentEvents,
		"Resume":  TopicResumeEvents,
	}
	for aggregateType, want := range cases {
		topic, ok := RouteTopic(aggregateType)
		assert.True(t, ok, aggregateType)
		assert.Equal(t, want, topic)
	}
}

func TestRouteTopic_UnknownAggregateFallsBack(t *testing.T) {
	topic, ok := RouteTopic("Widget")
	assert.False(t, ok)
	assert.Equal(t, TopicDomainEvents, topic)
}

func TestTopics_UniqueAndIncludesFallback(t *testing.T) {
	topics := Topics()

	seen := make(map[Topic]struct{})
	for _, topic := range topics {
		_, dup := seen[topic]
		assert.False(t, dup, "duplicate topic %s", topic)
		seen[topic] = struct{}{}
	}
	assert.Contains(t, topics, TopicDomainEvents)
	assert.NotContains(t, topics, TopicDLQ, "the DLQ is not part of the routable set")
}

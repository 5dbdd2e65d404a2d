package eventrelay

// Topic is a broker topic known to the pipeline. The set is closed: routing
// is a compile-time table, not a runtime registry.
type Topic string

const (
	TopicAccountEvents Topic = "account-events"
	TopicSessionEvents Topic = "session-events"
	TopicConsentEvents Topic = "consent-events"
	TopicResumeEvents  Topic = "resume-events"

	// TopicDomainEvents is the fallback for aggregate types with no
	// dedicated topic.
	TopicDomainEvents Topic = "domain-events"

	// TopicDLQ receives events a handler failed to process, regardless of
	// the topic they originated on.
	TopicDLQ Topic = "events-dlq"
)

// aggregateTopics routes an aggregate type to its topic.
var aggregateTopics = map[string]Topic{
	"Account": TopicAccountEvents,
	"Session": TopicSessionEvents,
	"Consent": TopicConsentEvents,
	"Resume":  TopicResumeEvents,
}

// RouteTopic resolves the topic for an aggregate type. The second return
// value is false when the aggregate type is unknown and the fallback topic
// was used; callers are expected to log that case.
func RouteTopic(aggregateType string) (Topic, bool) {
	if topic, ok := aggregateTopics[aggregateType]; ok {
		return topic, true
	}
	return TopicDomainEvents, false
}

// Topics returns every routable topic exactly once, fallback included.
// Consumers use it to subscribe to the full event stream.
func Topics() []Topic {
	seen := make(map[Topic]struct{}, len(aggregateTopics)+1)
	topics := make([]Topic, 0, len(aggregateTopics)+1)
	for _, t := range aggregateTopics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	topics = append(topics, TopicDomainEvents)
	return topics
}

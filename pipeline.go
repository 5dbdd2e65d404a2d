package eventrelay

import (
	"time"

	"go.uber.org/zap"
)

// Pipeline bundles the relay with its scheduled workers: the poll cycle, the
// daily cleanup, and the hourly retry sweep. It is the unit a process runs.
type Pipeline struct {
	relay   *Relay
	logger  *zap.Logger
	metrics MetricsCollector

	pollInterval       time.Duration
	cleanupInterval    time.Duration
	retrySweepInterval time.Duration
}

// NewPipeline wires the relay into its standard worker set.
func NewPipeline(relay *Relay, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		relay:              relay,
		logger:             zap.NewNop(),
		metrics:            NewNopMetricsCollector(),
		pollInterval:       defaultPollInterval,
		cleanupInterval:    defaultCleanupInterval,
		retrySweepInterval: defaultRetrySweepInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Relay returns the underlying relay, for stats and manual triggering.
func (p *Pipeline) Relay() *Relay {
	return p.relay
}

// Workers returns the scheduled worker set for the dispatcher.
func (p *Pipeline) Workers() []Worker {
	return []Worker{
		NewTickerWorker("outbox_poll", p.pollInterval, p.logger, p.relay.ProcessOutbox),
		NewTickerWorker("outbox_cleanup", p.cleanupInterval, p.logger, p.relay.CleanupOldEvents),
		NewTickerWorker("outbox_retry_sweep", p.retrySweepInterval, p.logger, p.relay.RetryFailedEvents),
	}
}

// Dispatcher builds a dispatcher over the standard worker set.
func (p *Pipeline) Dispatcher() *Dispatcher {
	return NewDispatcher(p.logger, p.Workers()...)
}

// Shutdown disables relay processing so no new cycle starts while the
// process drains. Call it before stopping the dispatcher.
func (p *Pipeline) Shutdown() {
	p.relay.SetProcessingEnabled(false)
}

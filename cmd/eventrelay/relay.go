package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veridianhq/eventrelay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, closePools, err := buildStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closePools()

		metrics := eventrelay.NewOTelMetricsCollector()
		publisher := buildPublisher(cfg, logger, metrics)

		// A broker outage at startup is retried rather than fatal; the
		// process stays up and the outbox absorbs the backlog.
		ctx := cmd.Context()
		if err := retryPolicy(cfg).Do(ctx, logger, "broker_connect", publisher.Connect); err != nil {
			return fmt.Errorf("failed to connect publisher: %w", err)
		}
		defer publisher.Disconnect()

		relay := eventrelay.NewRelay(store, publisher,
			eventrelay.WithRelayLogger(logger),
			eventrelay.WithRelayMetrics(metrics),
			eventrelay.WithDatabases(cfg.DatabaseNames()...),
			eventrelay.WithBatchSize(cfg.Relay.BatchSize),
			eventrelay.WithMaxRetries(cfg.Relay.MaxRetries),
			eventrelay.WithRetentionDays(cfg.Relay.RetentionDays),
		)

		pipeline := eventrelay.NewPipeline(relay,
			eventrelay.WithLogger(logger),
			eventrelay.WithMetrics(metrics),
			eventrelay.WithPollInterval(cfg.Relay.PollInterval),
			eventrelay.WithCleanupInterval(cfg.Relay.CleanupInterval),
			eventrelay.WithRetrySweepInterval(cfg.Relay.RetrySweepInterval),
		)

		dispatcher := pipeline.Dispatcher()

		logger.Info("Relay pipeline starting",
			zap.Strings("databases", cfg.DatabaseNames()),
			zap.Int("batch_size", cfg.Relay.BatchSize))

		go func() {
			<-ctx.Done()
			// Stop taking new cycles before tearing workers down.
			pipeline.Shutdown()
			dispatcher.Stop()
		}()

		dispatcher.Start(ctx)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print outbox stats per logical database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, closePools, err := buildStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closePools()

		relay := eventrelay.NewRelay(store, eventrelay.NewNopPublisher(),
			eventrelay.WithDatabases(cfg.DatabaseNames()...),
		)
		stats, err := relay.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(stats.Databases, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the outbox tables in every logical database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, closePools, err := buildStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closePools()

		if err := store.EnsureTables(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Outbox tables ensured", zap.Strings("databases", cfg.DatabaseNames()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(migrateCmd)
}

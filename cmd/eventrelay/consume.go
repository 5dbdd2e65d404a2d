package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veridianhq/eventrelay"
)

var fromBeginning bool

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run a consumer over every event topic",
	Long: `Joins the configured consumer group, subscribes to every routable
topic, and logs each event. Real deployments register their own handlers
against the library instead of running this command.`,
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

		metrics := eventrelay.NewOTelMetricsCollector()
		publisher := buildPublisher(cfg, logger, metrics)

		ctx := cmd.Context()
		if err := retryPolicy(cfg).Do(ctx, logger, "broker_connect", publisher.Connect); err != nil {
			return fmt.Errorf("failed to connect publisher: %w", err)
		}
		defer publisher.Disconnect()

		consumer := eventrelay.NewConsumer(logger, publisher,
			eventrelay.WithConsumerProps(cfg.Broker.ConsumerConfigMap(cfg.Consumer)),
			eventrelay.WithConsumerMetrics(metrics),
		)

		handler := eventrelay.HandlerFunc(func(_ context.Context, msg eventrelay.EventMessage) error {
			logger.Info("Event received",
				zap.String("event_id", msg.ID),
				zap.String("event_type", msg.EventType),
				zap.String("aggregate", msg.PartitionKey()))
			return nil
		})
		for _, topic := range eventrelay.Topics() {
			consumer.Subscribe(topic, handler, fromBeginning)
		}

		if err := consumer.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect consumer: %w", err)
		}

		logger.Info("Consumer running", zap.String("group", cfg.Broker.GroupID))
		<-ctx.Done()
		return consumer.Disconnect()
	},
}

func init() {
	consumeCmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "replay topics from the earliest offset")
	rootCmd.AddCommand(consumeCmd)
}

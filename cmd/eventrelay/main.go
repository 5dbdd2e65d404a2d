package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veridianhq/eventrelay"
	"github.com/veridianhq/eventrelay/config"
	"github.com/veridianhq/eventrelay/storage/sqlstore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "eventrelay",
	Short: "Transactional outbox event-relay pipeline",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Log.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// openPools opens one MySQL pool per configured logical database.
func openPools(cfg config.Config) (map[string]*sql.DB, func(), error) {
	pools := make(map[string]*sql.DB, len(cfg.Databases))
	closeAll := func() {
		for _, pool := range pools {
			pool.Close()
		}
	}
	for name, dsn := range cfg.Databases {
		pool, err := sql.Open("mysql", dsn)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open database %s: %w", name, err)
		}
		pools[name] = pool
	}
	return pools, closeAll, nil
}

func buildStore(cfg config.Config, logger *zap.Logger) (*sqlstore.SQLStore, func(), error) {
	if len(cfg.Databases) == 0 {
		return nil, nil, fmt.Errorf("no logical databases configured")
	}
	pools, closeAll, err := openPools(cfg)
	if err != nil {
		return nil, nil, err
	}
	return sqlstore.NewSQLStore(pools, logger), closeAll, nil
}

func buildPublisher(cfg config.Config, logger *zap.Logger, metrics eventrelay.MetricsCollector) *eventrelay.KafkaPublisher {
	return eventrelay.NewKafkaPublisher(logger,
		eventrelay.WithProducerProps(cfg.Broker.ProducerConfigMap()),
		eventrelay.WithDLQRetryPolicy(retryPolicy(cfg)),
		eventrelay.WithPublisherMetrics(metrics),
	)
}

func retryPolicy(cfg config.Config) eventrelay.RetryPolicy {
	return eventrelay.RetryPolicy{
		InitialDelay:  cfg.Broker.Retry.InitialRetryTime,
		MaxRetries:    cfg.Broker.Retry.MaxRetries,
		MaxDelay:      cfg.Broker.Retry.MaxRetryTime,
		BackoffFactor: cfg.Broker.Retry.BackoffFactor,
	}
}

package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mjafarpour/orderflow/internal/config"
	"github.com/mjafarpour/orderflow/internal/db"
	"github.com/mjafarpour/orderflow/internal/kafka"
	"github.com/mjafarpour/orderflow/internal/logger"
	"github.com/mjafarpour/orderflow/internal/metrics"
	"github.com/mjafarpour/orderflow/internal/processor"
	"github.com/mjafarpour/orderflow/internal/repository"
	"github.com/mjafarpour/orderflow/internal/retry"
	"github.com/mjafarpour/orderflow/internal/worker"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Run the order-event consumer",
	RunE:  runConsumer,
}

func runConsumer(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(db.MySQLOpts{
		DSN:             cfg.MySQL.DSN,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) ClickHouse (analytics; optional collaborator, failures degrade)
	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.ClickHouse.DSN,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer func() { _ = chDB.Close() }()

	// 4) repositories + transaction handler
	processedRepo := repository.NewProcessedEventsRepository()
	ordersRepo := repository.NewOrdersRepository()
	proc := processor.New(dbx, processedRepo, ordersRepo, cfg.Consumer.StoreTimeout, logger.Log)

	// 5) kafka consumer + DLQ producer
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: cfg.Kafka.MinBytes,
		MaxBytes: cfg.Kafka.MaxBytes,
		MaxWait:  cfg.Kafka.FetchMaxWait,
	})
	defer consumer.Close()

	dlq := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.DLQTopic,
		WriteTimeout: cfg.Kafka.PublishTimeout,
	})
	defer func() { _ = dlq.Close() }()

	// 6) analytics batch writer
	stats := worker.NewAnalyticsWriter(
		repository.NewCHEventsRepository(chDB),
		cfg.Consumer.AnalyticsBatch,
		cfg.Consumer.AnalyticsWait,
		logger.Log,
	)

	states := worker.NewStateTracker()

	w := &worker.Consumer{
		Source:  consumer,
		Proc:    proc,
		DLQ:     dlq,
		Offsets: worker.NewOffsetCoordinator(consumer),
		Policy: retry.Policy{
			Base:        cfg.Retry.BaseDelay,
			Max:         cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		Stats:         stats,
		Topic:         cfg.Kafka.Topic,
		GroupID:       cfg.Kafka.GroupID,
		ChanSize:      cfg.Consumer.PartitionChanSize,
		ShutdownGrace: cfg.Consumer.ShutdownGrace,
		States:        states,
		Log:           logger.Log,
	}

	// 7) health/metrics endpoint
	health := echo.New()
	health.HideBanner = true
	health.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	health.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"loop":       states.Loop(),
			"partitions": states.Snapshot(),
		})
	})
	health.GET("/readyz", func(c echo.Context) error {
		if s := states.Loop(); s == worker.StateTerminated {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"loop": s})
		}
		return c.JSON(http.StatusOK, map[string]any{"loop": states.Loop()})
	})
	go func() {
		if err := health.Start(cfg.Consumer.HealthAddr); err != nil && err != http.ErrServerClosed {
			log.Printf("health server exited: %v", err)
		}
	}()

	// 8) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go stats.Run(ctx)

	log.Printf(">> consumer started topic=%s group=%s dlq=%s",
		cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.DLQTopic)

	err = w.Run(ctx)

	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(hctx)

	return err
}

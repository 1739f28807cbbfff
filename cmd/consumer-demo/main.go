// Package main wires the retry-dispatcher core to a real Kafka cluster:
// config -> logger -> tracer -> metrics -> Kafka producer/consumer group
// -> HTTP control surface -> signal-driven graceful shutdown. It exists
// to demonstrate end-to-end usage, not as a deployable service in its
// own right.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/microservices-platform/retry-dispatcher/pkg/config"
	"github.com/microservices-platform/retry-dispatcher/pkg/logging"
	"github.com/microservices-platform/retry-dispatcher/pkg/tracing"
	"github.com/microservices-platform/retry-dispatcher/retry"
	"github.com/microservices-platform/retry-dispatcher/retrycontrol"
	"github.com/microservices-platform/retry-dispatcher/retrykafka"
	"github.com/microservices-platform/retry-dispatcher/retrymetrics"
)

func main() {
	cfg := loadAppConfig()

	logConfig := &logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Development,
		Component:   cfg.ServiceName,
		OutputPaths: []string{"stdout"},
	}
	logger, err := logging.NewLogger(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting retry dispatcher demo",
		zap.String("environment", cfg.Environment),
	)

	if cfg.TracingEnabled {
		tracer, err := tracing.NewTracer(&tracing.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.TracingEndpoint,
			SampleRate:  1.0,
			Enabled:     true,
		})
		if err != nil {
			logger.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tracer.Shutdown(ctx)
			}()
		}
	}

	retryFile, err := config.LoadRetryConfigFile(cfg.RetryConfigFile)
	if err != nil {
		logger.Fatal("failed to load retry config", zap.Error(err))
	}
	retryConfig, err := retryFile.Build()
	if err != nil {
		logger.Fatal("invalid retry config", zap.Error(err))
	}
	subscription, err := retryFile.Subscription()
	if err != nil {
		logger.Fatal("invalid subscription", zap.Error(err))
	}

	sink := retrymetrics.New(cfg.ServiceName)
	store := retry.NewStore()

	producer, err := retrykafka.NewProducer(retrykafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	handler, err := retry.WithRetries(
		demoHandler{logger: logger},
		retryConfig,
		subscription,
		store,
		producer,
		retry.SystemClock{},
		sink,
	)
	if err != nil {
		logger.Fatal("failed to build retry handler", zap.Error(err))
	}

	topics := retrykafka.RetryTopics(retryConfig, subscription)
	group, err := retrykafka.NewGroup(
		retrykafka.DefaultConsumerConfig(cfg.KafkaBrokers),
		subscription.ConsumerGroup,
		topics,
		handler,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create consumer group", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := group.Start(ctx); err != nil {
		logger.Fatal("failed to start consumer group", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	controlHandler := retrycontrol.NewHandler(store, logger)
	controlHandler.Routes(router)

	controlServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      sink.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting control server", zap.Int("port", cfg.ControlPort))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("starting metrics server", zap.Int("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if err := group.Stop(); err != nil {
		logger.Error("failed to stop consumer group", zap.Error(err))
	}
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("control server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}

	logger.Info("retry dispatcher demo stopped")
}

// demoHandler is a placeholder UserHandler: real deployments supply
// their own. It logs every record it sees and always succeeds, since
// this binary's purpose is to demonstrate wiring, not business logic.
type demoHandler struct {
	logger *logging.Logger
}

func (h demoHandler) Handle(ctx context.Context, record retry.Record) error {
	h.logger.Info("handling record",
		zap.String("topic", record.Topic),
		zap.Int("partition", record.Partition),
		zap.Int64("offset", record.Offset),
	)
	return nil
}

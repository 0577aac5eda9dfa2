package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/api"
	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/kafka"
	"github.com/shubhsaxena/bibmatch/internal/matcher"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/pipeline"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the matching API and the submission stream consumer",
		Long: `Starts the HTTP API (POST /api/v1/match, /healthz, /readyz, /metrics)
and, unless disabled, consumes record submissions from Kafka and publishes
one match outcome per record.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, stream)
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", true, "consume record submissions from kafka")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, stream bool) error {
	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting bibmatch service",
		zap.String("service", cfg.Observability.ServiceName),
		zap.String("backend", cfg.Search.Backend),
	)

	// Initialize tracing
	var tracerShutdown func(context.Context) error
	if cfg.Observability.TracingEnabled {
		tracerShutdown, err = observability.InitTracer(cfg.Observability.ServiceName)
		if err != nil {
			logger.Warn("tracing initialization failed, continuing without tracing", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	defaults := matcher.OptionsFromConfig(cfg.Match, cfg.Search.Collections)
	strategies := buildStrategies(cfg.Match, "", nil)

	healthHandler := api.NewHealthHandler(logger)
	if svc.es != nil {
		healthHandler.RegisterStatus("elasticsearch", svc.es, true)
	}
	if svc.invenio != nil {
		healthHandler.Register("invenio", svc.invenio, true)
	}
	if svc.redis != nil {
		healthHandler.Register("redis", svc.redis, false)
	}
	if svc.analytics != nil {
		healthHandler.Register("clickhouse", svc.analytics, false)
	}
	if svc.tags != nil {
		healthHandler.Register("firestore", svc.tags, false)
	}

	// Initialize submission stream
	var (
		consumer  *kafka.Consumer
		producer  *kafka.Producer
		processor *pipeline.StreamProcessor
	)
	if stream {
		producer = kafka.NewProducer(cfg.Kafka, logger)

		var (
			analytics   pipeline.EventWriter
			indexer     pipeline.Indexer
			invalidator pipeline.Invalidator
		)
		if svc.analytics != nil {
			analytics = svc.analytics
		}
		if svc.es != nil {
			indexer = svc.es
		}
		if svc.redis != nil {
			invalidator = svc.redis
		}
		processor = pipeline.NewStreamProcessor(
			svc.newMatcher(defaults), producer, analytics, indexer, invalidator, producer,
			pipeline.Options{
				BatchSize:     cfg.Kafka.BatchSize,
				FlushInterval: cfg.Kafka.BatchTimeout,
				Strategies:    strategies,
				Collections:   cfg.Search.Collections,
				MaxRequeues:   cfg.Kafka.MaxRequeues,
			},
			logger,
		)

		consumer = kafka.NewConsumer(cfg.Kafka, processor.HandleSubmission, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Warn("kafka consumer start failed, stream matching will be unavailable", zap.Error(err))
			consumer = nil
		} else {
			healthHandler.Register("kafka", consumer, false)
		}
	}

	// Initialize HTTP server
	var (
		runs   api.RunSummarizer
		events api.EventWriter
	)
	if svc.analytics != nil {
		runs, events = svc.analytics, svc.analytics
	}
	handler := api.NewHandler(
		func(opts matcher.Options) api.BatchMatcher { return svc.newMatcher(opts) },
		cfg.Match, defaults, strategies, runs, events, logger,
	)
	router := api.NewRouter(handler, healthHandler, cfg.Server.MaxConcurrent, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	logger.Info("starting graceful shutdown", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	// Stop intake before the final flush so nothing is buffered after it.
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer shutdown error", zap.Error(err))
		}
	}
	if processor != nil {
		if err := processor.Stop(); err != nil {
			logger.Error("final match flush failed", zap.Error(err))
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka producer shutdown error", zap.Error(err))
		}
	}

	cancel()

	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/boutros/marc"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
)

// Backend is a record store that can be searched and fetched from.
type Backend interface {
	Search(ctx context.Context, req models.SearchRequest) ([]string, error)
	FetchRecords(ctx context.Context, ids, collections []string) ([]marc.Record, error)
}

// Transport wraps a Backend with a circuit breaker, bounded fixed-backoff
// retries and a fixed pause after every call. A search whose retries are
// exhausted yields no results rather than an error; authentication failures
// are returned as fatal errors.
type Transport struct {
	name    string
	backend Backend
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	pacing  time.Duration
	slow    *observability.SlowSearchDetector
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

type TransportOption func(*Transport)

// WithSleeper replaces the pause between calls, mainly for tests.
func WithSleeper(fn func(context.Context, time.Duration) error) TransportOption {
	return func(t *Transport) { t.sleep = fn }
}

func WithSlowSearchDetector(d *observability.SlowSearchDetector) TransportOption {
	return func(t *Transport) { t.slow = d }
}

// NewTransport builds a Transport for backend. name labels metrics and logs,
// and pacing is the pause after each call.
func NewTransport(name string, backend Backend, cfg config.TransportConfig, pacing time.Duration, logger *zap.Logger, opts ...TransportOption) *Transport {
	t := &Transport{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(name+"-search", cfg.CircuitBreaker, logger),
		retry:   RetryConfig{MaxAttempts: cfg.Retry.MaxAttempts, Wait: cfg.Retry.Wait},
		pacing:  pacing,
		logger:  logger,
		sleep:   sleep,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Search(ctx context.Context, req models.SearchRequest) ([]string, error) {
	ctx, span := observability.StartSpan(ctx, "transport.search",
		attribute.String("backend", t.name),
		attribute.String("mode", req.Mode),
	)
	defer span.End()
	defer t.pace(ctx)

	start := time.Now()
	var ids []string
	attempts := 0
	err := Retry(ctx, t.retry, func() error {
		attempts++
		if attempts > 1 {
			observability.SearchRetriesTotal.WithLabelValues(t.name).Inc()
		}
		res, err := t.breaker.Execute(func() (any, error) {
			return t.backend.Search(ctx, req)
		})
		if err != nil {
			return err
		}
		ids = res.([]string)
		return nil
	})
	duration := time.Since(start)

	status := "success"
	switch {
	case err == nil:
	case models.IsFatal(err):
		status = "unauthorized"
	default:
		status = "error"
	}
	observability.SearchRequestDuration.WithLabelValues(t.name, status).Observe(duration.Seconds())
	observability.SearchRequestsTotal.WithLabelValues(t.name, status).Inc()

	if err != nil {
		span.RecordError(err)
		if models.IsFatal(err) {
			return nil, models.NewFatal("search", err)
		}
		t.logger.Warn("search failed after retries, treating as no results",
			zap.String("backend", t.name),
			zap.String("query_hash", observability.HashQuery(req.Query)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, nil
	}

	t.slow.Intercept(ctx, req.Query, t.name, duration, len(ids))
	return ids, nil
}

func (t *Transport) FetchRecords(ctx context.Context, ids, collections []string) ([]marc.Record, error) {
	ctx, span := observability.StartSpan(ctx, "transport.fetch",
		attribute.String("backend", t.name),
		attribute.Int("ids", len(ids)),
	)
	defer span.End()
	defer t.pace(ctx)

	var recs []marc.Record
	err := Retry(ctx, t.retry, func() error {
		res, err := t.breaker.Execute(func() (any, error) {
			return t.backend.FetchRecords(ctx, ids, collections)
		})
		if err != nil {
			return err
		}
		recs = res.([]marc.Record)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if models.IsFatal(err) {
			return nil, models.NewFatal("fetch records", err)
		}
		return nil, models.NewRecoverable("fetch records", err)
	}
	return recs, nil
}

func (t *Transport) pace(ctx context.Context) {
	if t.pacing <= 0 {
		return
	}
	if err := t.sleep(ctx, t.pacing); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Debug("pacing interrupted", zap.Error(err))
	}
}

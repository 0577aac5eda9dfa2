package observability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/models"
)

// SlowSearchDetector logs search requests that exceed the warning threshold
// and forwards them to the analytics store.
type SlowSearchDetector struct {
	warningThreshold  time.Duration
	criticalThreshold time.Duration
	logger            *zap.Logger
	analyticsWriter   AnalyticsWriter
}

type AnalyticsWriter interface {
	WriteSearchPerformance(ctx context.Context, event *models.AnalyticsEvent) error
}

func NewSlowSearchDetector(warning, critical time.Duration, logger *zap.Logger, aw AnalyticsWriter) *SlowSearchDetector {
	return &SlowSearchDetector{
		warningThreshold:  warning,
		criticalThreshold: critical,
		logger:            logger,
		analyticsWriter:   aw,
	}
}

func (d *SlowSearchDetector) Intercept(ctx context.Context, query, backend string, duration time.Duration, hits int) {
	if d == nil || duration <= d.warningThreshold {
		return
	}

	traceID := TraceIDFromContext(ctx)
	severity := d.classifySeverity(duration)
	queryHash := HashQuery(query)

	SlowSearchCounter.WithLabelValues(severity, backend).Inc()

	d.logger.Warn("slow search detected",
		zap.String("trace_id", traceID),
		zap.String("query_hash", queryHash),
		zap.String("backend", backend),
		zap.Float64("duration_ms", float64(duration.Milliseconds())),
		zap.Int("hits", hits),
		zap.String("severity", severity),
	)

	if d.analyticsWriter == nil {
		return
	}
	event := &models.AnalyticsEvent{
		EventType:  "search_performance",
		QueryHash:  queryHash,
		Backend:    backend,
		Candidates: hits,
		DurationMs: float64(duration.Milliseconds()),
		Timestamp:  time.Now().UTC(),
		TraceID:    traceID,
	}
	// Written asynchronously so a slow analytics store never delays matching.
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.analyticsWriter.WriteSearchPerformance(writeCtx, event); err != nil {
			d.logger.Error("failed to write search analytics",
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
		}
	}()
}

func (d *SlowSearchDetector) classifySeverity(dur time.Duration) string {
	if dur > d.criticalThreshold {
		return "critical"
	}
	if dur > d.warningThreshold {
		return "warning"
	}
	return "normal"
}

// HashQuery returns a short stable fingerprint of a query string, so logs and
// analytics never carry record content.
func HashQuery(q string) string {
	return fmt.Sprintf("%016x", hashUint64(q))
}

func hashUint64(s string) uint64 {
	h := uint64(0)
	for _, c := range s {
		h = h*31 + uint64(c)
	}
	return h
}

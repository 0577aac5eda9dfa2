package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
)

type Client struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewClient(cfg config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.QueryTimeout.Seconds()),
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	logger.Info("clickhouse client connected", zap.Strings("addresses", cfg.Addresses))

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

// WriteSearchPerformance stores one slow search report.
func (c *Client) WriteSearchPerformance(ctx context.Context, event *models.AnalyticsEvent) error {
	start := time.Now()
	err := c.conn.Exec(ctx, `
		INSERT INTO search_performance (
			event_type, run_id, query_hash, backend, candidates,
			duration_ms, timestamp, trace_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventType,
		event.RunID,
		event.QueryHash,
		event.Backend,
		int64(event.Candidates),
		event.DurationMs,
		event.Timestamp,
		event.TraceID,
	)
	observeQuery("search_performance", start, err)
	return err
}

// WriteMatchEvents stores one row per classified record in a single batch.
func (c *Client) WriteMatchEvents(ctx context.Context, events []models.MatchEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "ch.write_match_events",
		attribute.Int("batch_size", len(events)),
	)
	defer span.End()

	start := time.Now()
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO match_events (
			run_id, record_id, record_index, classification,
			query, candidates, timestamp
		)
	`)
	if err != nil {
		observeQuery("match_events", start, err)
		return fmt.Errorf("preparing match event batch: %w", err)
	}
	for _, e := range events {
		candidates := e.Candidates
		if candidates == nil {
			candidates = []string{}
		}
		if err := batch.Append(
			e.RunID,
			e.RecordID,
			int32(e.Index),
			e.Classification,
			e.Query,
			candidates,
			e.Timestamp,
		); err != nil {
			batch.Abort()
			observeQuery("match_events", start, err)
			return fmt.Errorf("appending match event: %w", err)
		}
	}
	err = batch.Send()
	observeQuery("match_events", start, err)
	if err != nil {
		return fmt.Errorf("sending match event batch: %w", err)
	}
	return nil
}

// RunSummary counts the classifications recorded for a run.
func (c *Client) RunSummary(ctx context.Context, runID string) (map[string]int64, error) {
	ctx, span := observability.StartSpan(ctx, "ch.run_summary",
		attribute.String("run_id", runID),
	)
	defer span.End()

	start := time.Now()
	rows, err := c.conn.Query(ctx, `
		SELECT classification, count() AS cnt
		FROM match_events
		WHERE run_id = ?
		GROUP BY classification
	`, runID)
	if err != nil {
		observeQuery("run_summary", start, err)
		return nil, fmt.Errorf("ch run summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[string]int64)
	for rows.Next() {
		var (
			class string
			count uint64
		)
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		summary[strings.ToLower(class)] = int64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", err)
	}

	observeQuery("run_summary", start, nil)
	return summary, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) EnsureTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS search_performance (
			event_type String,
			run_id String,
			query_hash String,
			backend String,
			candidates Int64,
			duration_ms Float64,
			timestamp DateTime,
			trace_id String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (timestamp, query_hash)`,

		`CREATE TABLE IF NOT EXISTS match_events (
			run_id String,
			record_id String,
			record_index Int32,
			classification LowCardinality(String),
			query String,
			candidates Array(String),
			timestamp DateTime
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (run_id, record_index)`,
	}

	for _, ddl := range tables {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}

	c.logger.Info("clickhouse tables ensured")
	return nil
}

func observeQuery(queryType string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.CHQueryDuration.WithLabelValues(queryType, status).Observe(time.Since(start).Seconds())
}

// Package pipeline matches records arriving on the submissions stream in
// buffered batches and publishes one outcome per record.
package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/boutros/marc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/kafka"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

type BatchMatcher interface {
	MatchRecords(ctx context.Context, recs []marc.Record, strategies []models.Strategy) (*models.BatchResult, error)
}

type Publisher interface {
	PublishMatchEvents(ctx context.Context, events []models.MatchEvent) error
}

type EventWriter interface {
	WriteMatchEvents(ctx context.Context, events []models.MatchEvent) error
}

// Indexer receives the records classified as new so later submissions can
// match them.
type Indexer interface {
	IndexRecords(ctx context.Context, recs []marc.Record, collections []string) (int, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// DeadLetterer takes the records a run aborted on too many times.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, recs []marc.Record, reason string) error
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Strategies    []models.Strategy
	Collections   []string
	// MaxRequeues is how many aborted runs a record may sit through before
	// it is dead-lettered.
	MaxRequeues int
}

// queued is a buffered record and the number of runs that aborted before
// reaching it.
type queued struct {
	rec    marc.Record
	aborts int
}

// StreamProcessor buffers submitted records and runs the batch matcher when
// the buffer is full or the flush interval passes. Only one run is in flight
// at a time. Analytics, indexing, invalidation and dead-lettering are
// optional and best-effort.
type StreamProcessor struct {
	matcher     BatchMatcher
	publisher   Publisher
	analytics   EventWriter
	indexer     Indexer
	invalidator Invalidator
	deadLetter  DeadLetterer
	opts        Options
	logger      *zap.Logger

	flushMu sync.Mutex
	mu      sync.Mutex
	buffer  []queued
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewStreamProcessor(
	matcher BatchMatcher,
	publisher Publisher,
	analytics EventWriter,
	indexer Indexer,
	invalidator Invalidator,
	deadLetter DeadLetterer,
	opts Options,
	logger *zap.Logger,
) *StreamProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MaxRequeues <= 0 {
		opts.MaxRequeues = 3
	}
	sp := &StreamProcessor{
		matcher:     matcher,
		publisher:   publisher,
		analytics:   analytics,
		indexer:     indexer,
		invalidator: invalidator,
		deadLetter:  deadLetter,
		opts:        opts,
		logger:      logger,
		buffer:      make([]queued, 0, opts.BatchSize),
		ticker:      time.NewTicker(opts.FlushInterval),
		done:        make(chan struct{}),
	}

	go sp.flushLoop()

	return sp
}

// HandleSubmission is the consumer callback.
func (sp *StreamProcessor) HandleSubmission(ctx context.Context, sub kafka.Submission) error {
	sp.mu.Lock()
	for _, rec := range sub.Records {
		sp.buffer = append(sp.buffer, queued{rec: rec})
	}
	shouldFlush := len(sp.buffer) >= sp.opts.BatchSize
	sp.mu.Unlock()

	if shouldFlush {
		if err := sp.flush(ctx); err != nil {
			sp.logger.Error("flush on buffer full failed", zap.Error(err))
		}
	}
	return nil
}

func (sp *StreamProcessor) flushLoop() {
	for {
		select {
		case <-sp.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := sp.flush(ctx); err != nil {
				sp.logger.Error("periodic flush failed", zap.Error(err))
			}
			cancel()
		case <-sp.done:
			return
		}
	}
}

func (sp *StreamProcessor) flush(ctx context.Context) error {
	sp.flushMu.Lock()
	defer sp.flushMu.Unlock()

	sp.mu.Lock()
	if len(sp.buffer) == 0 {
		sp.mu.Unlock()
		return nil
	}
	entries := make([]queued, len(sp.buffer))
	copy(entries, sp.buffer)
	sp.buffer = sp.buffer[:0]
	sp.mu.Unlock()

	batch := make([]marc.Record, len(entries))
	for i, e := range entries {
		batch[i] = e.rec
	}

	runID := uuid.NewString()
	start := time.Now()

	res, matchErr := sp.matcher.MatchRecords(ctx, batch, sp.opts.Strategies)
	if res == nil {
		res = &models.BatchResult{}
	}
	events := Events(runID, res, time.Now().UTC())

	if matchErr != nil {
		sp.requeue(ctx, runID, entries, events, res.Rejected, matchErr)
	}

	if err := sp.publisher.PublishMatchEvents(ctx, events); err != nil {
		observability.PipelineEventsTotal.WithLabelValues("publish_error").Add(float64(len(events)))
		return fmt.Errorf("publishing match events: %w", err)
	}
	observability.PipelineEventsTotal.WithLabelValues("published").Add(float64(len(events)))
	for _, r := range res.Rejected {
		sp.logger.Warn("record rejected",
			zap.String("run_id", runID),
			zap.Int("index", r.Index),
			zap.String("reason", r.Reason),
		)
	}

	sp.afterFlush(runID, events, res.New)

	sp.logger.Info("match flush completed",
		zap.String("run_id", runID),
		zap.Int("records", len(batch)),
		zap.Int("classified", len(events)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("duration", time.Since(start)),
	)

	if matchErr != nil {
		return fmt.Errorf("matching batch %s: %w", runID, matchErr)
	}
	return nil
}

// requeue puts the records an aborted run never reached back at the front of
// the buffer. Records that already sat through MaxRequeues aborted runs are
// dead-lettered instead.
func (sp *StreamProcessor) requeue(ctx context.Context, runID string, entries []queued, events []models.MatchEvent, rejected []models.RejectedRecord, cause error) {
	reached := make(map[int]bool, len(events)+len(rejected))
	for _, e := range events {
		reached[e.Index] = true
	}
	for _, r := range rejected {
		reached[r.Index] = true
	}

	var (
		pending []queued
		dead    []marc.Record
	)
	for i, e := range entries {
		if reached[i] {
			continue
		}
		e.aborts++
		if e.aborts > sp.opts.MaxRequeues {
			dead = append(dead, e.rec)
			continue
		}
		pending = append(pending, e)
	}

	sp.mu.Lock()
	sp.buffer = append(pending, sp.buffer...)
	sp.mu.Unlock()
	observability.PipelineEventsTotal.WithLabelValues("requeued").Add(float64(len(pending)))

	if len(dead) == 0 {
		return
	}
	reason := cause.Error()
	if sp.deadLetter == nil {
		observability.PipelineEventsTotal.WithLabelValues("dropped").Add(float64(len(dead)))
		sp.logger.Error("dropping records after repeated aborted runs",
			zap.String("run_id", runID),
			zap.Int("records", len(dead)),
			zap.String("reason", reason),
		)
		return
	}
	if err := sp.deadLetter.DeadLetter(ctx, dead, reason); err != nil {
		observability.PipelineEventsTotal.WithLabelValues("dropped").Add(float64(len(dead)))
		sp.logger.Error("dead-lettering records failed",
			zap.String("run_id", runID),
			zap.Int("records", len(dead)),
			zap.Error(err),
		)
		return
	}
	observability.PipelineEventsTotal.WithLabelValues("dead_lettered").Add(float64(len(dead)))
	sp.logger.Warn("dead-lettered records after repeated aborted runs",
		zap.String("run_id", runID),
		zap.Int("records", len(dead)),
		zap.String("reason", reason),
	)
}

// afterFlush runs the optional sinks in the background.
func (sp *StreamProcessor) afterFlush(runID string, events []models.MatchEvent, fresh []models.RecordResult) {
	if sp.analytics != nil && len(events) > 0 {
		sp.wg.Add(1)
		go func() {
			defer sp.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sp.analytics.WriteMatchEvents(ctx, events); err != nil {
				sp.logger.Warn("clickhouse match event insert failed",
					zap.String("run_id", runID),
					zap.Error(err),
				)
			}
		}()
	}

	if sp.indexer == nil || len(fresh) == 0 {
		return
	}
	recs := make([]marc.Record, len(fresh))
	for i, r := range fresh {
		recs[i] = r.Record
	}
	sp.wg.Add(1)
	go func() {
		defer sp.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := sp.indexer.IndexRecords(ctx, recs, sp.opts.Collections)
		if err != nil {
			sp.logger.Warn("indexing new records failed", zap.String("run_id", runID), zap.Error(err))
		}
		if n == 0 || sp.invalidator == nil {
			return
		}
		if err := sp.invalidator.Invalidate(ctx); err != nil {
			sp.logger.Warn("cache invalidation failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

// Stop flushes what is left and waits for the background sinks.
func (sp *StreamProcessor) Stop() error {
	sp.ticker.Stop()
	close(sp.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	err := sp.flush(ctx)
	sp.wg.Wait()
	return err
}

// Events turns a batch result into outcome events ordered by record position.
func Events(runID string, res *models.BatchResult, ts time.Time) []models.MatchEvent {
	var events []models.MatchEvent
	for _, c := range models.Classifications {
		for _, r := range res.Partition(c) {
			events = append(events, models.MatchEvent{
				RunID:          runID,
				RecordID:       record.ID(r.Record),
				Index:          r.Index,
				Classification: c.String(),
				Query:          r.Annotation.Query,
				Candidates:     r.Annotation.Candidates,
				Timestamp:      ts,
			})
		}
	}
	slices.SortStableFunc(events, func(a, b models.MatchEvent) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return events
}

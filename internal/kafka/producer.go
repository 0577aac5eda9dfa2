package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/boutros/marc"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

// Producer publishes match outcomes, and dead-letters records the pipeline
// gave up on.
type Producer struct {
	writer    messageWriter
	dlqWriter messageWriter
	topic     string
	logger    *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicMatched,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicDLQ,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}

	logger.Info("kafka producer created", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.TopicMatched))

	return &Producer{
		writer:    w,
		dlqWriter: dlq,
		topic:     cfg.TopicSubmitted,
		logger:    logger,
	}
}

// PublishMatchEvents writes one message per event, keyed by record id so
// outcomes for the same record stay ordered.
func (p *Producer) PublishMatchEvents(ctx context.Context, events []models.MatchEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling event %d: %w", i, err)
		}
		key := event.RecordID
		if key == "" {
			key = event.RunID + ":" + strconv.Itoa(event.Index)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(key),
			Value: data,
			Time:  time.Now(),
			Headers: []kafka.Header{
				{Key: "classification", Value: []byte(event.Classification)},
				{Key: "run_id", Value: []byte(event.RunID)},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing batch of %d events: %w", len(events), err)
	}
	return nil
}

// DeadLetter writes recs as one MARCXML submission to the DLQ topic, in the
// same shape the consumer dead-letters undecodable messages.
func (p *Producer) DeadLetter(ctx context.Context, recs []marc.Record, reason string) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	w := record.NewWriter(&buf)
	for _, rec := range recs {
		if err := w.Write(rec, nil); err != nil {
			return fmt.Errorf("encoding dead-lettered record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	msg := kafka.Message{
		Value: buf.Bytes(),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "dlq_reason", Value: []byte(reason)},
			{Key: "original_topic", Value: []byte(p.topic)},
			{Key: "records", Value: []byte(strconv.Itoa(len(recs)))},
		},
	}
	if err := p.dlqWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("dead-lettering %d records: %w", len(recs), err)
	}
	return nil
}

func (p *Producer) Close() error {
	err := p.writer.Close()
	if p.dlqWriter != nil {
		if dlqErr := p.dlqWriter.Close(); err == nil {
			err = dlqErr
		}
	}
	return err
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boutros/marc"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
)

const twoRecords = `<?xml version="1.0" encoding="UTF-8"?>
<collection xmlns="http://www.loc.gov/MARC21/slim">
<record><controlfield tag="001">1</controlfield><datafield tag="245" ind1=" " ind2=" "><subfield code="a">QED</subfield></datafield></record>
<record><controlfield tag="001">2</controlfield><datafield tag="245" ind1=" " ind2=" "><subfield code="a">QCD</subfield></datafield></record>
</collection>`

type fakeReader struct {
	mu        sync.Mutex
	committed []kafka.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }
func (f *fakeReader) Close() error             { return nil }

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func newTestConsumer(handler MessageHandler) (*Consumer, *fakeReader, *fakeWriter) {
	r, w := &fakeReader{}, &fakeWriter{}
	return &Consumer{
		reader:    r,
		dlqWriter: w,
		handler:   handler,
		cfg:       config.KafkaConfig{TopicSubmitted: "records.submitted", MaxRetries: 3},
		logger:    zap.NewNop(),
		sleep:     func(time.Duration) {},
	}, r, w
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProcessMessage_DeliversRecords(t *testing.T) {
	var got Submission
	c, r, w := newTestConsumer(func(_ context.Context, sub Submission) error {
		got = sub
		return nil
	})

	c.processMessage(context.Background(), kafka.Message{Key: []byte("batch-1"), Value: []byte(twoRecords)})

	if got.Key != "batch-1" || len(got.Records) != 2 {
		t.Errorf("unexpected submission %+v", got)
	}
	if len(w.messages) != 0 {
		t.Errorf("expected nothing in the DLQ, got %d", len(w.messages))
	}
	if len(r.committed) != 1 {
		t.Errorf("expected the message to be committed, got %d", len(r.committed))
	}
}

func TestProcessMessage_UndecodableGoesToDLQ(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"garbage", "not marc at all"},
		{"empty collection", `<collection xmlns="http://www.loc.gov/MARC21/slim"></collection>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			c, r, w := newTestConsumer(func(context.Context, Submission) error {
				called = true
				return nil
			})

			c.processMessage(context.Background(), kafka.Message{Value: []byte(tt.value), Offset: 41})

			if called {
				t.Error("handler should not see undecodable messages")
			}
			if len(w.messages) != 1 {
				t.Fatalf("expected one DLQ message, got %d", len(w.messages))
			}
			if header(w.messages[0], "original_offset") != "41" {
				t.Errorf("expected original offset header, got %v", w.messages[0].Headers)
			}
			if len(r.committed) != 1 {
				t.Errorf("expected the message to be committed, got %d", len(r.committed))
			}
		})
	}
}

func TestProcessMessage_HandlerFailureRetriesThenDLQ(t *testing.T) {
	calls := 0
	c, r, w := newTestConsumer(func(context.Context, Submission) error {
		calls++
		return errors.New("matcher unavailable")
	})

	c.processMessage(context.Background(), kafka.Message{Value: []byte(twoRecords)})

	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(w.messages) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(w.messages))
	}
	if header(w.messages[0], "original_topic") != "records.submitted" {
		t.Errorf("unexpected headers %v", w.messages[0].Headers)
	}
	if len(r.committed) != 1 {
		t.Errorf("expected the message to be committed, got %d", len(r.committed))
	}
}

func TestProcessMessage_RecoversOnRetry(t *testing.T) {
	calls := 0
	c, _, w := newTestConsumer(func(context.Context, Submission) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	c.processMessage(context.Background(), kafka.Message{Value: []byte(twoRecords)})

	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if len(w.messages) != 0 {
		t.Errorf("expected nothing in the DLQ, got %d", len(w.messages))
	}
}

func TestConsumer_StartStop(t *testing.T) {
	c, _, _ := newTestConsumer(func(context.Context, Submission) error { return nil })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop returned error: %v", err)
	}
}

func TestProducer_PublishMatchEvents(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, logger: zap.NewNop()}

	events := []models.MatchEvent{
		{RunID: "run", RecordID: "42", Index: 0, Classification: "matched", Candidates: []string{"42"}},
		{RunID: "run", Index: 1, Classification: "new"},
	}
	if err := p.PublishMatchEvents(context.Background(), events); err != nil {
		t.Fatalf("PublishMatchEvents returned error: %v", err)
	}
	if len(w.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.messages))
	}
	if string(w.messages[0].Key) != "42" || string(w.messages[1].Key) != "run:1" {
		t.Errorf("unexpected keys %q %q", w.messages[0].Key, w.messages[1].Key)
	}
	if header(w.messages[1], "classification") != "new" {
		t.Errorf("unexpected headers %v", w.messages[1].Headers)
	}

	var decoded models.MatchEvent
	if err := json.Unmarshal(w.messages[0].Value, &decoded); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if decoded.Classification != "matched" || decoded.Candidates[0] != "42" {
		t.Errorf("unexpected event %+v", decoded)
	}
}

func TestProducer_WriteError(t *testing.T) {
	p := &Producer{writer: &fakeWriter{err: errors.New("broker down")}, logger: zap.NewNop()}
	if err := p.PublishMatchEvents(context.Background(), []models.MatchEvent{{RunID: "r"}}); err == nil {
		t.Error("expected error")
	}
}

func TestProducer_DeadLetter(t *testing.T) {
	dlq := &fakeWriter{}
	p := &Producer{writer: &fakeWriter{}, dlqWriter: dlq, topic: "records.submitted", logger: zap.NewNop()}

	recs := []marc.Record{
		{CtrlFields: marc.CFields{{Tag: "001", Value: "7"}}},
		{CtrlFields: marc.CFields{{Tag: "001", Value: "8"}}},
	}
	if err := p.DeadLetter(context.Background(), recs, "authentication failed"); err != nil {
		t.Fatalf("DeadLetter returned error: %v", err)
	}
	if len(dlq.messages) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(dlq.messages))
	}
	msg := dlq.messages[0]
	if header(msg, "dlq_reason") != "authentication failed" || header(msg, "records") != "2" {
		t.Errorf("unexpected headers %v", msg.Headers)
	}

	sub, err := decodeSubmission(msg)
	if err != nil {
		t.Fatalf("dead-lettered message is not a valid submission: %v", err)
	}
	if len(sub.Records) != 2 {
		t.Errorf("expected 2 records in the DLQ message, got %d", len(sub.Records))
	}

	if err := p.DeadLetter(context.Background(), nil, "x"); err != nil || len(dlq.messages) != 1 {
		t.Errorf("expected no message for an empty batch, got err=%v messages=%d", err, len(dlq.messages))
	}
}

package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/models"
)

type mockAnalyticsWriter struct {
	mu     sync.Mutex
	events []*models.AnalyticsEvent
}

func (m *mockAnalyticsWriter) WriteSearchPerformance(ctx context.Context, event *models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAnalyticsWriter) getEvents() []*models.AnalyticsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*models.AnalyticsEvent, len(m.events))
	copy(cp, m.events)
	return cp
}

func TestSlowSearchDetector_ClassifySeverity(t *testing.T) {
	d := &SlowSearchDetector{
		warningThreshold:  2 * time.Second,
		criticalThreshold: 5 * time.Second,
	}

	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"below warning", time.Second, "normal"},
		{"at warning", 2 * time.Second, "normal"},
		{"above warning", 3 * time.Second, "warning"},
		{"at critical", 5 * time.Second, "warning"},
		{"above critical", 6 * time.Second, "critical"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.classifySeverity(tt.duration); got != tt.want {
				t.Errorf("classifySeverity(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestSlowSearchDetector_InterceptBelowThreshold(t *testing.T) {
	aw := &mockAnalyticsWriter{}
	d := NewSlowSearchDetector(200*time.Millisecond, 500*time.Millisecond, zap.NewNop(), aw)

	d.Intercept(context.Background(), "title:fast", "local", 100*time.Millisecond, 3)
	d.Intercept(context.Background(), "title:edge", "local", 200*time.Millisecond, 3)

	time.Sleep(50 * time.Millisecond)

	if events := aw.getEvents(); len(events) != 0 {
		t.Errorf("expected no analytics events, got %d", len(events))
	}
}

func TestSlowSearchDetector_InterceptAboveWarning(t *testing.T) {
	aw := &mockAnalyticsWriter{}
	d := NewSlowSearchDetector(200*time.Millisecond, 500*time.Millisecond, zap.NewNop(), aw)

	d.Intercept(context.Background(), "title:slow", "remote", 300*time.Millisecond, 7)

	time.Sleep(100 * time.Millisecond)

	events := aw.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 analytics event, got %d", len(events))
	}
	event := events[0]
	if event.EventType != "search_performance" {
		t.Errorf("expected event type 'search_performance', got %q", event.EventType)
	}
	if event.Backend != "remote" {
		t.Errorf("expected backend 'remote', got %q", event.Backend)
	}
	if event.DurationMs != 300 {
		t.Errorf("expected duration 300ms, got %f", event.DurationMs)
	}
	if event.Candidates != 7 {
		t.Errorf("expected 7 candidates, got %d", event.Candidates)
	}
	if event.QueryHash != HashQuery("title:slow") {
		t.Errorf("unexpected query hash %q", event.QueryHash)
	}
}

func TestSlowSearchDetector_NilSafe(t *testing.T) {
	var nilDetector *SlowSearchDetector
	nilDetector.Intercept(context.Background(), "q", "local", time.Hour, 0)

	d := NewSlowSearchDetector(time.Millisecond, 2*time.Millisecond, zap.NewNop(), nil)
	d.Intercept(context.Background(), "q", "local", time.Second, 0)
}

func TestHashQuery(t *testing.T) {
	h1 := HashQuery("title:test")
	h2 := HashQuery("title:test")
	if h1 != h2 {
		t.Errorf("HashQuery not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("expected 16 char hex, got %d chars: %q", len(h1), h1)
	}
	if HashQuery("title:other") == h1 {
		t.Error("different inputs should produce different hashes")
	}
	if hashUint64("") != 0 {
		t.Error("expected 0 for empty string")
	}
}

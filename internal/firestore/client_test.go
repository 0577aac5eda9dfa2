package firestore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/query"
)

type fakeSource struct {
	mu    sync.Mutex
	docs  map[string][]string
	err   error
	calls int
}

func (f *fakeSource) FieldTags(_ context.Context, name string) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	tags, ok := f.docs[name]
	return tags, ok, nil
}

func TestTagsFromData(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want []string
	}{
		{"array", map[string]any{"tags": []any{"245__a", " 246__a ", 7, ""}}, []string{"245__a", "246__a"}},
		{"comma string", map[string]any{"tags": "100__a, 700__a"}, []string{"100__a", "700__a"}},
		{"missing", map[string]any{"other": "x"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tagsFromData(tt.data); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tagsFromData = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	src := &fakeSource{docs: map[string][]string{"title": {"245__a", "246__a"}}}
	fallback := query.NewStaticRegistry(map[string][]string{"title": {"245__a"}, "year": {"260__c"}})
	r := NewRegistry(src, fallback, zap.NewNop())

	tags, err := r.Resolve(context.Background(), "Title")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"245__a", "246__a"}) {
		t.Errorf("expected firestore tags, got %v", tags)
	}

	tags, _ = r.Resolve(context.Background(), "year")
	if !reflect.DeepEqual(tags, []string{"260__c"}) {
		t.Errorf("expected fallback tags for unknown name, got %v", tags)
	}

	r.Resolve(context.Background(), "title")
	r.Resolve(context.Background(), "year")
	if src.calls != 2 {
		t.Errorf("expected answers to be remembered, got %d lookups", src.calls)
	}
}

func TestRegistry_SourceErrorUsesFallback(t *testing.T) {
	src := &fakeSource{err: errors.New("unavailable")}
	r := NewRegistry(src, query.NewStaticRegistry(map[string][]string{"author": {"100__a"}}), zap.NewNop())

	for i := 0; i < 2; i++ {
		tags, err := r.Resolve(context.Background(), "author")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"100__a"}) {
			t.Errorf("expected fallback tags, got %v", tags)
		}
	}
	if src.calls != 2 {
		t.Errorf("expected failed lookups to be retried, got %d", src.calls)
	}
}

func TestRegistry_Update(t *testing.T) {
	src := &fakeSource{docs: map[string][]string{}}
	r := NewRegistry(src, query.NewStaticRegistry(nil), zap.NewNop())

	r.Update("Journal", []string{"773__p"})
	tags, _ := r.Resolve(context.Background(), "journal")
	if !reflect.DeepEqual(tags, []string{"773__p"}) {
		t.Errorf("expected updated tags, got %v", tags)
	}
	if src.calls != 0 {
		t.Errorf("expected no lookup for a watched name, got %d", src.calls)
	}

	r.Update("journal", nil)
	r.Resolve(context.Background(), "journal")
	if src.calls != 1 {
		t.Errorf("expected a lookup after the name was removed, got %d", src.calls)
	}
}

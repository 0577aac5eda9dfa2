package models

import (
	"time"

	"github.com/boutros/marc"
)

type Classification int

const (
	ClassNew Classification = iota
	ClassMatched
	ClassAmbiguous
	ClassFuzzy
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassMatched:
		return "matched"
	case ClassAmbiguous:
		return "ambiguous"
	case ClassFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// Classifications lists every classification in print-selector order.
var Classifications = []Classification{ClassNew, ClassMatched, ClassAmbiguous, ClassFuzzy}

// Search modes understood by the search service.
const (
	ModeAllWords = "a"
	ModeAnyWord  = "o"
	ModeExact    = "e"
	ModePartial  = "p"
	ModeRegexp   = "r"
)

type SearchRequest struct {
	Query       string   `json:"query"`
	Field       string   `json:"field,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// Strategy is one (field, query template) pair tried against a record.
type Strategy struct {
	Field    string `json:"field,omitempty"`
	Template string `json:"template"`
}

// Annotation records how a classification was reached.
type Annotation struct {
	Classification Classification `json:"-"`
	Query          string         `json:"query,omitempty"`
	Candidates     []string       `json:"candidates,omitempty"`
}

type RecordResult struct {
	Index      int         `json:"index"`
	Record     marc.Record `json:"-"`
	Annotation Annotation  `json:"annotation"`
}

type RejectedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult holds the four partitions of a matching run. Records the run
// never reached are absent from every partition.
type BatchResult struct {
	New       []RecordResult   `json:"new"`
	Matched   []RecordResult   `json:"matched"`
	Ambiguous []RecordResult   `json:"ambiguous"`
	Fuzzy     []RecordResult   `json:"fuzzy"`
	Rejected  []RejectedRecord `json:"rejected,omitempty"`
}

func (b *BatchResult) Add(r RecordResult) {
	switch r.Annotation.Classification {
	case ClassMatched:
		b.Matched = append(b.Matched, r)
	case ClassAmbiguous:
		b.Ambiguous = append(b.Ambiguous, r)
	case ClassFuzzy:
		b.Fuzzy = append(b.Fuzzy, r)
	default:
		b.New = append(b.New, r)
	}
}

func (b *BatchResult) Partition(c Classification) []RecordResult {
	switch c {
	case ClassMatched:
		return b.Matched
	case ClassAmbiguous:
		return b.Ambiguous
	case ClassFuzzy:
		return b.Fuzzy
	default:
		return b.New
	}
}

// Classified is the number of records that received a classification.
func (b *BatchResult) Classified() int {
	return len(b.New) + len(b.Matched) + len(b.Ambiguous) + len(b.Fuzzy)
}

// MatchEvent is published once per classified record.
type MatchEvent struct {
	RunID          string    `json:"run_id"`
	RecordID       string    `json:"record_id,omitempty"`
	Index          int       `json:"index"`
	Classification string    `json:"classification"`
	Query          string    `json:"query,omitempty"`
	Candidates     []string  `json:"candidates,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type AnalyticsEvent struct {
	EventType      string    `json:"event_type"`
	RunID          string    `json:"run_id,omitempty"`
	QueryHash      string    `json:"query_hash"`
	Backend        string    `json:"backend"`
	Classification string    `json:"classification,omitempty"`
	Candidates     int       `json:"candidates"`
	DurationMs     float64   `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
	TraceID        string    `json:"trace_id"`
}

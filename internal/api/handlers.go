package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boutros/marc"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/matcher"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/pipeline"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

const maxRequestBodySize = 16 << 20 // 16 MB

type BatchMatcher interface {
	MatchRecords(ctx context.Context, recs []marc.Record, strategies []models.Strategy) (*models.BatchResult, error)
}

// MatcherFactory builds a matcher for one request's options.
type MatcherFactory func(opts matcher.Options) BatchMatcher

type RunSummarizer interface {
	RunSummary(ctx context.Context, runID string) (map[string]int64, error)
}

type EventWriter interface {
	WriteMatchEvents(ctx context.Context, events []models.MatchEvent) error
}

type MatchOptions struct {
	Mode        string   `json:"mode,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Fuzzy       *bool    `json:"fuzzy,omitempty"`
	Validate    *bool    `json:"validate,omitempty"`
	Modify      *bool    `json:"modify,omitempty"`
	Output      bool     `json:"output,omitempty"`
}

// MatchRequest carries records as MARCXML or text MARC. Strategy templates
// may name a configured template.
type MatchRequest struct {
	Records    string            `json:"records"`
	Strategies []models.Strategy `json:"strategies,omitempty"`
	Options    MatchOptions      `json:"options"`
}

type MatchItem struct {
	Index          int      `json:"index"`
	RecordID       string   `json:"record_id,omitempty"`
	Classification string   `json:"classification"`
	Query          string   `json:"query,omitempty"`
	Candidates     []string `json:"candidates,omitempty"`
}

type MatchResponse struct {
	RunID     string                  `json:"run_id"`
	New       []MatchItem             `json:"new"`
	Matched   []MatchItem             `json:"matched"`
	Ambiguous []MatchItem             `json:"ambiguous"`
	Fuzzy     []MatchItem             `json:"fuzzy"`
	Rejected  []models.RejectedRecord `json:"rejected"`
	Summary   map[string]int          `json:"summary"`
	Output    string                  `json:"output,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Code      string                  `json:"code,omitempty"`
}

type Handler struct {
	newMatcher MatcherFactory
	match      config.MatchConfig
	defaults   matcher.Options
	strategies []models.Strategy
	runs       RunSummarizer
	events     EventWriter
	logger     *zap.Logger
}

// NewHandler wires the match endpoints. runs and events may be nil.
func NewHandler(newMatcher MatcherFactory, match config.MatchConfig, defaults matcher.Options, strategies []models.Strategy, runs RunSummarizer, events EventWriter, logger *zap.Logger) *Handler {
	return &Handler{
		newMatcher: newMatcher,
		match:      match,
		defaults:   defaults,
		strategies: strategies,
		runs:       runs,
		events:     events,
		logger:     logger,
	}
}

func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	req, err := h.parseMatchRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	recs, rejected, err := record.ReadAll(strings.NewReader(req.Records))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_records", err.Error())
		return
	}
	if len(recs) == 0 && len(rejected) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing_records", "Field 'records' holds no records")
		return
	}

	opts, err := h.options(req.Options)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	}
	strategies := h.resolveStrategies(req.Strategies)

	runID := uuid.NewString()
	res, matchErr := h.newMatcher(opts).MatchRecords(ctx, recs, strategies)
	if res == nil {
		res = &models.BatchResult{}
	}
	record.Reindex(res, len(recs), rejected)

	h.writeEvents(ctx, runID, res)

	resp := buildResponse(runID, res)
	if req.Options.Output {
		out, err := renderOutput(res)
		if err != nil {
			h.logger.Error("rendering match output", zap.String("request_id", requestID), zap.Error(err))
		}
		resp.Output = out
	}

	status := http.StatusOK
	if matchErr != nil {
		h.logger.Error("match run aborted",
			zap.String("request_id", requestID),
			zap.String("run_id", runID),
			zap.Int("classified", res.Classified()),
			zap.Error(matchErr),
		)
		status, resp.Code = http.StatusBadGateway, "search_unavailable"
		if errors.Is(matchErr, models.ErrAuthentication) {
			status, resp.Code = http.StatusUnauthorized, "authentication_failed"
		}
		resp.Error = matchErr.Error()
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) RunSummary(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_run", "Run id is required")
		return
	}
	if h.runs == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Run history is not enabled")
		return
	}

	summary, err := h.runs.RunSummary(r.Context(), runID)
	if err != nil {
		h.logger.Error("run summary failed", zap.String("run_id", runID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "summary_error", "Run history temporarily unavailable")
		return
	}
	if len(summary) == 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown run")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"summary": summary,
	})
}

func (h *Handler) parseMatchRequest(r *http.Request) (*MatchRequest, error) {
	var req MatchRequest
	limited := io.LimitReader(r.Body, maxRequestBodySize)
	if err := json.NewDecoder(limited).Decode(&req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Records) == "" {
		return nil, errors.New("field 'records' is required")
	}
	return &req, nil
}

func (h *Handler) options(o MatchOptions) (matcher.Options, error) {
	opts := h.defaults
	switch o.Mode {
	case "":
	case models.ModeAllWords, models.ModeAnyWord, models.ModeExact, models.ModePartial, models.ModeRegexp:
		opts.Mode = o.Mode
	default:
		return opts, errors.New("unknown search mode " + o.Mode)
	}
	if len(o.Collections) > 0 {
		opts.Collections = o.Collections
	}
	if o.Fuzzy != nil {
		opts.Fuzzy = *o.Fuzzy
	}
	if o.Validate != nil {
		opts.Validate = *o.Validate
	}
	if o.Modify != nil {
		opts.Modify = *o.Modify
	}
	return opts, nil
}

func (h *Handler) resolveStrategies(in []models.Strategy) []models.Strategy {
	if len(in) == 0 {
		return h.strategies
	}
	out := make([]models.Strategy, len(in))
	for i, s := range in {
		out[i] = models.Strategy{Field: s.Field, Template: h.match.TemplateFor(s.Template)}
	}
	return out
}

func (h *Handler) writeEvents(ctx context.Context, runID string, res *models.BatchResult) {
	if h.events == nil || res.Classified() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.events.WriteMatchEvents(ctx, pipeline.Events(runID, res, time.Now().UTC())); err != nil {
		h.logger.Warn("writing match events", zap.String("run_id", runID), zap.Error(err))
	}
}

func buildResponse(runID string, res *models.BatchResult) MatchResponse {
	items := func(c models.Classification) []MatchItem {
		part := res.Partition(c)
		out := make([]MatchItem, len(part))
		for i, r := range part {
			out[i] = MatchItem{
				Index:          r.Index,
				RecordID:       record.ID(r.Record),
				Classification: c.String(),
				Query:          r.Annotation.Query,
				Candidates:     r.Annotation.Candidates,
			}
		}
		return out
	}
	resp := MatchResponse{
		RunID:     runID,
		New:       items(models.ClassNew),
		Matched:   items(models.ClassMatched),
		Ambiguous: items(models.ClassAmbiguous),
		Fuzzy:     items(models.ClassFuzzy),
		Rejected:  res.Rejected,
		Summary:   make(map[string]int, 6),
	}
	if resp.Rejected == nil {
		resp.Rejected = []models.RejectedRecord{}
	}
	for _, c := range models.Classifications {
		resp.Summary[c.String()] = len(res.Partition(c))
	}
	resp.Summary["rejected"] = len(res.Rejected)
	resp.Summary["total"] = res.Classified() + len(res.Rejected)
	return resp
}

// renderOutput writes every classified record with its annotation as one
// MARCXML collection, in input order.
func renderOutput(res *models.BatchResult) (string, error) {
	var all []models.RecordResult
	for _, c := range models.Classifications {
		all = append(all, res.Partition(c)...)
	}
	byIndex := make(map[int]models.RecordResult, len(all))
	maxIndex := -1
	for _, r := range all {
		byIndex[r.Index] = r
		maxIndex = max(maxIndex, r.Index)
	}

	var buf bytes.Buffer
	w := record.NewWriter(&buf)
	for i := 0; i <= maxIndex; i++ {
		r, ok := byIndex[i]
		if !ok {
			continue
		}
		if err := w.Write(r.Record, &r.Annotation); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("writing json response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

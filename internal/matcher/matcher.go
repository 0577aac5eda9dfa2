// Package matcher classifies bibliographic records against a search service
// as new, matched, ambiguous or fuzzy.
package matcher

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/boutros/marc"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/query"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) ([]string, error)
}

type RecordFetcher interface {
	FetchRecords(ctx context.Context, ids, collections []string) ([]marc.Record, error)
}

// Validator splits candidate records into exact and fuzzy matches of rec.
type Validator interface {
	Validate(ctx context.Context, rec marc.Record, candidates []marc.Record) (exact, fuzzy []string, err error)
}

type Options struct {
	Mode            string
	Collections     []string
	Fuzzy           bool
	Validate        bool
	Modify          bool
	MatchLimit      int
	FuzzyEmptyLimit int
}

func OptionsFromConfig(m config.MatchConfig, collections []string) Options {
	return Options{
		Mode:            m.Mode,
		Collections:     collections,
		Fuzzy:           m.Fuzzy,
		Validate:        m.Validate,
		Modify:          m.Modify,
		MatchLimit:      m.SearchResultMatchLimit,
		FuzzyEmptyLimit: m.FuzzyEmptyResultLimit,
	}
}

type Matcher struct {
	engine    *query.Engine
	fuzzy     *query.FuzzyGenerator
	searcher  Searcher
	fetcher   RecordFetcher
	validator Validator
	opts      Options
	logger    *zap.Logger
}

// New builds a Matcher. fetcher and validator are only used when
// opts.Validate is set.
func New(engine *query.Engine, fuzzy *query.FuzzyGenerator, searcher Searcher, fetcher RecordFetcher, validator Validator, opts Options, logger *zap.Logger) *Matcher {
	if opts.MatchLimit <= 0 {
		opts.MatchLimit = 15
	}
	if opts.Validate && (fetcher == nil || validator == nil) {
		logger.Warn("validation requested without fetcher or validator, disabling")
		opts.Validate = false
	}
	return &Matcher{
		engine:    engine,
		fuzzy:     fuzzy,
		searcher:  searcher,
		fetcher:   fetcher,
		validator: validator,
		opts:      opts,
		logger:    logger,
	}
}

// builtQuery is a strategy's query kept for the fuzzy pass.
type builtQuery struct {
	q     *query.Query
	field string
}

// fuzzyHits accumulates candidates confirmed only fuzzily, in first-seen order.
type fuzzyHits struct {
	ids   []string
	query string
}

func (f *fuzzyHits) add(ids []string, q string) {
	if f.query == "" {
		f.query = q
	}
	for _, id := range ids {
		if !slices.Contains(f.ids, id) {
			f.ids = append(f.ids, id)
		}
	}
}

// MatchRecord classifies rec using strategies in order. Only fatal errors are
// returned; everything else degrades to fewer candidates. With Modify set,
// the identifier of a unique match is stamped onto rec.
func (m *Matcher) MatchRecord(ctx context.Context, rec *marc.Record, strategies []models.Strategy) (models.Annotation, error) {
	ctx, span := observability.StartSpan(ctx, "matcher.match_record",
		attribute.Int("strategies", len(strategies)),
	)
	defer span.End()

	if len(strategies) == 0 {
		strategies = []models.Strategy{{}}
	}

	var (
		terminal *models.Annotation
		pending  *models.Annotation
		hits     fuzzyHits
		built    []builtQuery
	)

	for _, s := range strategies {
		q, err := m.engine.CreateQuery(ctx, *rec, s.Template)
		if err != nil {
			m.logger.Warn("skipping strategy", zap.String("template", s.Template), zap.Error(err))
			continue
		}
		if q.Text == "" {
			m.logger.Debug("skipping strategy", zap.String("template", s.Template), zap.Error(models.ErrEmptyQuery))
			continue
		}
		built = append(built, builtQuery{q: q, field: s.Field})

		ids, err := m.search(ctx, q.Text, s.Field, m.opts.MatchLimit+1)
		if err != nil {
			return models.Annotation{}, err
		}
		if len(ids) == 0 {
			continue
		}
		if len(ids) > m.opts.MatchLimit {
			m.logger.Debug("skipping strategy", zap.String("query", q.Text), zap.Error(models.ErrTooManyResults))
			continue
		}

		if m.opts.Validate {
			exact, fuzzy, err := m.validate(ctx, *rec, ids)
			if err != nil {
				return models.Annotation{}, err
			}
			if len(exact) > 0 {
				terminal = exactAnnotation(exact, q.Text)
				break
			}
			if len(fuzzy) > 0 {
				hits.add(fuzzy, q.Text)
			}
			continue
		}

		if len(ids) == 1 && q.Complete {
			terminal = &models.Annotation{Classification: models.ClassMatched, Query: q.Text, Candidates: ids}
			break
		}
		ann := &models.Annotation{Classification: models.ClassAmbiguous, Query: q.Text, Candidates: ids}
		if !m.opts.Fuzzy {
			terminal = ann
			break
		}
		if pending == nil {
			pending = ann
		}
	}

	if terminal == nil && m.opts.Fuzzy && m.fuzzy != nil {
		for _, b := range built {
			chain := m.fuzzy.Generate(b.q)
			if len(chain) == 0 {
				continue
			}
			ids, err := m.runChain(ctx, chain, b.field)
			if err != nil {
				return models.Annotation{}, err
			}
			if len(ids) == 0 {
				continue
			}
			text := chainText(chain)
			if m.opts.Validate {
				exact, fuzzy, err := m.validate(ctx, *rec, ids)
				if err != nil {
					return models.Annotation{}, err
				}
				if len(exact) > 0 {
					terminal = exactAnnotation(exact, text)
					break
				}
				hits.add(fuzzy, text)
				continue
			}
			hits.add(ids, text)
		}
	}

	var ann models.Annotation
	switch {
	case terminal != nil:
		ann = *terminal
	case pending != nil:
		ann = *pending
	case len(hits.ids) == 1:
		ann = models.Annotation{Classification: models.ClassFuzzy, Query: hits.query, Candidates: hits.ids}
	case len(hits.ids) > 1:
		ann = models.Annotation{Classification: models.ClassAmbiguous, Query: hits.query, Candidates: hits.ids}
	default:
		ann = models.Annotation{Classification: models.ClassNew}
	}

	if m.opts.Modify && len(ann.Candidates) == 1 &&
		(ann.Classification == models.ClassMatched || ann.Classification == models.ClassFuzzy) {
		record.SetID(rec, ann.Candidates[0])
	}
	span.SetAttributes(attribute.String("classification", ann.Classification.String()))
	return ann, nil
}

func exactAnnotation(ids []string, q string) *models.Annotation {
	c := models.ClassMatched
	if len(ids) > 1 {
		c = models.ClassAmbiguous
	}
	return &models.Annotation{Classification: c, Query: q, Candidates: ids}
}

// runChain issues a fuzzy chain and combines the partial results. It returns
// nil when the chain dead-ends on too many empty segments or when the final
// set is too large to be useful.
func (m *Matcher) runChain(ctx context.Context, chain []query.FuzzyQuery, field string) ([]string, error) {
	var (
		result []string
		seeded bool
		empty  int
	)
	for _, fq := range chain {
		ids, err := m.search(ctx, fq.Query, field, 0)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			if fq.Operator == query.OpSubtract {
				continue
			}
			empty++
			if empty > m.opts.FuzzyEmptyLimit {
				observability.FuzzyChainsTotal.WithLabelValues("dead_end").Inc()
				return nil, nil
			}
			continue
		}
		if !seeded {
			if fq.Operator == query.OpSubtract {
				continue
			}
			result, seeded = ids, true
			continue
		}
		switch fq.Operator {
		case query.OpUnion:
			result = union(result, ids)
		case query.OpSubtract:
			result = subtract(result, ids)
		default:
			result = intersect(result, ids)
		}
	}

	switch {
	case len(result) == 0:
		observability.FuzzyChainsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	case len(result) > m.opts.MatchLimit:
		observability.FuzzyChainsTotal.WithLabelValues("too_many").Inc()
		m.logger.Debug("abandoning fuzzy chain", zap.Int("results", len(result)), zap.Error(models.ErrTooManyResults))
		return nil, nil
	}
	observability.FuzzyChainsTotal.WithLabelValues("hit").Inc()
	return result, nil
}

func (m *Matcher) search(ctx context.Context, q, field string, limit int) ([]string, error) {
	ids, err := m.searcher.Search(ctx, models.SearchRequest{
		Query:       q,
		Field:       field,
		Mode:        m.opts.Mode,
		Collections: m.opts.Collections,
		Limit:       limit,
	})
	if err != nil {
		if models.IsFatal(err) {
			return nil, models.NewFatal("search", err)
		}
		m.logger.Warn("search failed, treating as no results",
			zap.String("query_hash", observability.HashQuery(q)),
			zap.Error(err),
		)
		return nil, nil
	}
	return ids, nil
}

// validate fetches the candidates and lets the validator judge them. Only a
// fatal fetch error is returned; other failures mean no confirmation.
func (m *Matcher) validate(ctx context.Context, rec marc.Record, ids []string) ([]string, []string, error) {
	candidates, err := m.fetcher.FetchRecords(ctx, ids, m.opts.Collections)
	if err != nil {
		if models.IsFatal(err) {
			return nil, nil, models.NewFatal("fetch candidates", err)
		}
		observability.ValidationsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("fetching candidates failed, skipping validation", zap.Error(err))
		return nil, nil, nil
	}
	if len(candidates) < len(ids) {
		m.logger.Warn("not all candidates could be fetched",
			zap.Int("requested", len(ids)),
			zap.Int("fetched", len(candidates)),
		)
	}

	exact, fuzzy, err := m.validator.Validate(ctx, rec, candidates)
	if err != nil {
		observability.ValidationsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("validation failed, treating as no match", zap.Error(models.NewRecoverable("validate", err)))
		return nil, nil, nil
	}
	switch {
	case len(exact) > 0:
		observability.ValidationsTotal.WithLabelValues("exact").Inc()
	case len(fuzzy) > 0:
		observability.ValidationsTotal.WithLabelValues("fuzzy").Inc()
	default:
		observability.ValidationsTotal.WithLabelValues("none").Inc()
	}
	return exact, fuzzy, nil
}

// MatchRecords runs the batch. Records failing structural checks are
// rejected up front. A fatal error stops the run and is returned with the
// partial result; records not yet reached appear in no partition.
func (m *Matcher) MatchRecords(ctx context.Context, recs []marc.Record, strategies []models.Strategy) (*models.BatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "matcher.match_records",
		attribute.Int("records", len(recs)),
	)
	defer span.End()

	res := &models.BatchResult{}
	valid := make([]bool, len(recs))
	for i, rec := range recs {
		if err := record.Validate(rec); err != nil {
			res.Rejected = append(res.Rejected, models.RejectedRecord{Index: i, Reason: err.Error()})
			observability.RecordsClassifiedTotal.WithLabelValues("rejected").Inc()
			continue
		}
		valid[i] = true
	}

	for i := range recs {
		if !valid[i] {
			continue
		}
		start := time.Now()
		ann, err := m.MatchRecord(ctx, &recs[i], strategies)
		if err != nil {
			span.RecordError(err)
			m.logger.Error("aborting batch",
				zap.Int("record", i),
				zap.Int("classified", res.Classified()),
				zap.Error(err),
			)
			return res, err
		}
		observability.RecordMatchDuration.Observe(time.Since(start).Seconds())
		observability.RecordsClassifiedTotal.WithLabelValues(ann.Classification.String()).Inc()
		res.Add(models.RecordResult{Index: i, Record: recs[i], Annotation: ann})

		m.logger.Debug("record classified",
			zap.Int("record", i),
			zap.String("classification", ann.Classification.String()),
			zap.Int("candidates", len(ann.Candidates)),
		)
	}
	return res, nil
}

func chainText(chain []query.FuzzyQuery) string {
	parts := make([]string, 0, len(chain))
	for _, fq := range chain {
		if fq.Operator == "" {
			parts = append(parts, fq.Query)
			continue
		}
		parts = append(parts, fq.Operator+" "+fq.Query)
	}
	return strings.Join(parts, " ")
}

func intersect(a, b []string) []string {
	var out []string
	for _, id := range a {
		if slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	var out []string
	for _, id := range a {
		if !slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

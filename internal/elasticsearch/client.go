package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boutros/marc"
	"github.com/elastic/go-elasticsearch/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

const (
	// maxWindow is the largest result window Elasticsearch returns by default.
	maxWindow = 10000

	fieldText        = "text"
	fieldMARCXML     = "marcxml"
	fieldCollections = "collections"
)

// Client is the local search service. Documents hold one field per symbolic
// field name, a catch-all text field, and the record itself as MARCXML.
type Client struct {
	es       *elasticsearch.Client
	cfg      config.ElasticsearchConfig
	registry map[string][]string
	logger   *zap.Logger
}

// NewClient connects to Elasticsearch. registry maps the symbolic field names
// used in queries to the tags they are indexed from.
func NewClient(cfg config.ElasticsearchConfig, registry map[string][]string, logger *zap.Logger) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: cfg.MaxRetries,
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	res, err := es.Ping()
	if err != nil {
		return nil, fmt.Errorf("pinging elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch ping returned status: %s", res.Status())
	}

	logger.Info("elasticsearch client connected",
		zap.Strings("addresses", cfg.Addresses),
		zap.String("index", cfg.Index),
	)

	return &Client{
		es:       es,
		cfg:      cfg,
		registry: registry,
		logger:   logger,
	}, nil
}

// Search returns the ids of records matching req, in score order.
func (c *Client) Search(ctx context.Context, req models.SearchRequest) ([]string, error) {
	ctx, span := observability.StartSpan(ctx, "es.search",
		attribute.String("es.index", c.cfg.Index),
		attribute.String("mode", req.Mode),
	)
	defer span.End()

	body, err := json.Marshal(buildSearchBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling es query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.cfg.Index),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithTimeout(c.cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("executing es search: %w", err)
	}
	defer res.Body.Close()

	if err := responseError(res.StatusCode, res.Status(), res.Body); err != nil {
		return nil, err
	}

	var esResp esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&esResp); err != nil {
		return nil, fmt.Errorf("decoding es response: %w", err)
	}
	if esResp.TimedOut {
		c.logger.Warn("es search timed out, results may be partial",
			zap.String("query_hash", observability.HashQuery(req.Query)),
		)
	}

	ids := make([]string, 0, len(esResp.Hits.Hits))
	for _, h := range esResp.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// FetchRecords loads the stored records for ids. Ids that are not in the
// index are skipped.
func (c *Client) FetchRecords(ctx context.Context, ids, collections []string) ([]marc.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := observability.StartSpan(ctx, "es.fetch",
		attribute.Int("ids", len(ids)),
	)
	defer span.End()

	body, err := json.Marshal(map[string]any{
		"size":    len(ids),
		"_source": []string{fieldMARCXML},
		"query":   withCollections(map[string]any{"ids": map[string]any{"values": ids}}, collections),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling es fetch: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.cfg.Index),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithTimeout(c.cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("executing es fetch: %w", err)
	}
	defer res.Body.Close()

	if err := responseError(res.StatusCode, res.Status(), res.Body); err != nil {
		return nil, err
	}

	var esResp esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&esResp); err != nil {
		return nil, fmt.Errorf("decoding es response: %w", err)
	}

	byID := make(map[string]marc.Record, len(esResp.Hits.Hits))
	for _, h := range esResp.Hits.Hits {
		xml, _ := h.Source[fieldMARCXML].(string)
		recs, _, err := record.ReadAll(strings.NewReader(xml))
		if err != nil || len(recs) == 0 {
			c.logger.Warn("skipping undecodable stored record", zap.String("id", h.ID), zap.Error(err))
			continue
		}
		byID[h.ID] = recs[0]
	}

	out := make([]marc.Record, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IndexRecords bulk-indexes recs under their 001 identifier. Records without
// one are skipped.
func (c *Client) IndexRecords(ctx context.Context, recs []marc.Record, collections []string) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	ctx, span := observability.StartSpan(ctx, "es.bulk_index",
		attribute.Int("batch_size", len(recs)),
	)
	defer span.End()

	var (
		buf     bytes.Buffer
		indexed int
	)
	for _, rec := range recs {
		id := record.ID(rec)
		if id == "" {
			c.logger.Warn("skipping record without identifier")
			continue
		}
		doc, err := buildDocument(rec, c.registry, collections)
		if err != nil {
			return indexed, err
		}

		metaLine, err := json.Marshal(map[string]any{
			"index": map[string]any{"_index": c.cfg.Index, "_id": id},
		})
		if err != nil {
			return indexed, fmt.Errorf("marshaling bulk meta: %w", err)
		}
		buf.Write(metaLine)
		buf.WriteByte('\n')

		bodyLine, err := json.Marshal(doc)
		if err != nil {
			return indexed, fmt.Errorf("marshaling bulk body: %w", err)
		}
		buf.Write(bodyLine)
		buf.WriteByte('\n')
		indexed++
	}
	if indexed == 0 {
		return 0, nil
	}

	res, err := c.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return 0, fmt.Errorf("executing bulk request: %w", err)
	}
	defer res.Body.Close()

	if err := responseError(res.StatusCode, res.Status(), res.Body); err != nil {
		return 0, err
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return 0, fmt.Errorf("decoding bulk response: %w", err)
	}

	if bulkResp.Errors {
		var errMsgs []string
		for _, item := range bulkResp.Items {
			for _, result := range item {
				if result.Error != nil {
					errMsgs = append(errMsgs, fmt.Sprintf("id=%s: %s", result.ID, result.Error.Reason))
				}
			}
		}
		return indexed - len(errMsgs), fmt.Errorf("bulk indexing had errors: %s", strings.Join(errMsgs, "; "))
	}

	return indexed, nil
}

func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	res, err := c.es.Cluster.Health(
		c.es.Cluster.Health.WithContext(ctx),
	)
	if err != nil {
		return "red", fmt.Errorf("es health check: %w", err)
	}
	defer res.Body.Close()

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return "red", fmt.Errorf("decoding health response: %w", err)
	}
	return health.Status, nil
}

func (c *Client) Close() error {
	return nil
}

// buildSearchBody maps a search request onto the query DSL. A zero limit asks
// for the largest window the index allows.
func buildSearchBody(req models.SearchRequest) map[string]any {
	size := req.Limit
	if size <= 0 {
		size = maxWindow
	}

	field := req.Field
	fields := []string{fieldText}
	if field != "" {
		fields = []string{field}
	} else {
		field = fieldText
	}

	var q map[string]any
	switch req.Mode {
	case models.ModeAllWords:
		q = map[string]any{"multi_match": map[string]any{"query": req.Query, "fields": fields, "operator": "and"}}
	case models.ModeAnyWord:
		q = map[string]any{"multi_match": map[string]any{"query": req.Query, "fields": fields, "operator": "or"}}
	case models.ModeExact:
		q = map[string]any{"multi_match": map[string]any{"query": req.Query, "fields": fields, "type": "phrase"}}
	case models.ModePartial:
		q = map[string]any{"multi_match": map[string]any{"query": req.Query, "fields": fields, "type": "phrase_prefix"}}
	case models.ModeRegexp:
		q = map[string]any{"regexp": map[string]any{field: map[string]any{"value": req.Query}}}
	default:
		q = map[string]any{"query_string": map[string]any{
			"query":            req.Query,
			"default_field":    field,
			"default_operator": "AND",
		}}
	}

	return map[string]any{
		"size":    size,
		"_source": false,
		"query":   withCollections(q, req.Collections),
	}
}

func withCollections(q map[string]any, collections []string) map[string]any {
	if len(collections) == 0 {
		return q
	}
	return map[string]any{"bool": map[string]any{
		"must":   q,
		"filter": map[string]any{"terms": map[string]any{fieldCollections: collections}},
	}}
}

// buildDocument flattens rec into the indexed document shape.
func buildDocument(rec marc.Record, registry map[string][]string, collections []string) (map[string]any, error) {
	var buf bytes.Buffer
	w := record.NewWriter(&buf)
	if err := w.Write(rec, nil); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	doc := map[string]any{fieldMARCXML: buf.String()}
	if len(collections) > 0 {
		doc[fieldCollections] = collections
	}
	for name, tags := range registry {
		var values []string
		for _, t := range tags {
			spec, err := record.ParseTagSpec(t)
			if err != nil {
				continue
			}
			values = append(values, record.Values(rec, spec)...)
		}
		if len(values) > 0 {
			doc[name] = values
		}
	}

	var text []string
	for _, df := range rec.DataFields {
		for _, sf := range df.SubFields {
			text = append(text, sf.Value)
		}
	}
	doc[fieldText] = strings.Join(text, " ")
	return doc, nil
}

// responseError turns an error response into an error, mapping rejected
// credentials to ErrAuthentication.
func responseError(code int, status string, body io.Reader) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("es request status=%s: %w", status, models.ErrAuthentication)
	}
	bodyBytes, _ := io.ReadAll(body)
	return fmt.Errorf("es request error status=%s body=%s", status, string(bodyBytes))
}

// ES response types

type esSearchResponse struct {
	Took     int64 `json:"took"`
	TimedOut bool  `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

type esHit struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Score  float64        `json:"_score"`
	Source map[string]any `json:"_source"`
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Package invenio talks to a remote Invenio instance through its HTTP search
// interface.
package invenio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/boutros/marc"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

const loginPath = "/youraccount/login"

type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
	logger   *zap.Logger
}

func NewClient(cfg config.InvenioConfig, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid invenio url %q", cfg.URL)
	}
	logger.Info("invenio client configured",
		zap.String("url", base.String()),
		zap.Bool("authenticated", cfg.Username != ""),
	)
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		username: cfg.Username,
		password: cfg.Password,
		logger:   logger,
	}, nil
}

// Search runs req and returns the matching record ids. A search mode switches
// to the advanced p1/f1/m1 parameters.
func (c *Client) Search(ctx context.Context, req models.SearchRequest) ([]string, error) {
	ctx, span := observability.StartSpan(ctx, "invenio.search",
		attribute.String("mode", req.Mode),
	)
	defer span.End()

	body, err := c.get(ctx, searchParams(req, "id"))
	if err != nil {
		return nil, err
	}

	var recids []int64
	if err := json.Unmarshal(bytes.TrimSpace(body), &recids); err != nil {
		return nil, fmt.Errorf("decoding invenio id list: %w", err)
	}
	ids := make([]string, len(recids))
	for i, id := range recids {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return ids, nil
}

// FetchRecords downloads the records for ids as MARCXML in one request.
func (c *Client) FetchRecords(ctx context.Context, ids, collections []string) ([]marc.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := observability.StartSpan(ctx, "invenio.fetch",
		attribute.Int("ids", len(ids)),
	)
	defer span.End()

	terms := make([]string, len(ids))
	for i, id := range ids {
		terms[i] = "001:" + id
	}
	params := searchParams(models.SearchRequest{
		Query:       strings.Join(terms, " OR "),
		Collections: collections,
		Limit:       len(ids),
	}, "xm")

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	recs, rejected, err := record.ReadAll(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decoding fetched records: %w", err)
	}
	if len(rejected) > 0 {
		c.logger.Warn("some fetched records could not be decoded", zap.Int("rejected", len(rejected)))
	}
	return recs, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String()+"/", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("invenio health check: %w", err)
	}
	res.Body.Close()
	if res.StatusCode >= 500 {
		return fmt.Errorf("invenio health check status=%s", res.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	u := *c.base
	u.Path += "/search"
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building invenio request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing invenio request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("invenio status=%s: %w", res.Status, models.ErrAuthentication)
	case res.Request != nil && strings.HasSuffix(res.Request.URL.Path, loginPath):
		// Restricted collections redirect anonymous users to the login form.
		return nil, fmt.Errorf("invenio redirected to login: %w", models.ErrAuthentication)
	case res.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("invenio error status=%s body=%s", res.Status, string(msg))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading invenio response: %w", err)
	}
	return body, nil
}

func searchParams(req models.SearchRequest, format string) url.Values {
	v := url.Values{}
	if req.Mode != "" {
		v.Set("p1", req.Query)
		v.Set("m1", req.Mode)
		if req.Field != "" {
			v.Set("f1", req.Field)
		}
		v.Set("as", "1")
	} else {
		v.Set("p", req.Query)
		if req.Field != "" {
			v.Set("f", req.Field)
		}
	}
	for _, coll := range req.Collections {
		v.Add("c", coll)
	}
	if req.Limit > 0 {
		v.Set("rg", strconv.Itoa(req.Limit))
	}
	v.Set("of", format)
	return v
}

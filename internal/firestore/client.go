package firestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/query"
)

// tagsField holds the tag specifications of a field-name document.
const tagsField = "tags"

type Client struct {
	client *firestore.Client
	cfg    config.FirestoreConfig
	logger *zap.Logger
}

func NewClient(ctx context.Context, cfg config.FirestoreConfig, logger *zap.Logger) (*Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	logger.Info("firestore client connected",
		zap.String("project", cfg.ProjectID),
		zap.String("collection", cfg.Collection),
	)

	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// FieldTags loads the tags stored for a symbolic field name. The boolean is
// false when no document exists for name.
func (c *Client) FieldTags(ctx context.Context, name string) ([]string, bool, error) {
	ctx, span := observability.StartSpan(ctx, "firestore.field_tags",
		attribute.String("collection", c.cfg.Collection),
		attribute.String("name", name),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	doc, err := c.client.Collection(c.cfg.Collection).Doc(name).Get(ctx)
	if doc != nil && !doc.Exists() {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("firestore get %s/%s: %w", c.cfg.Collection, name, err)
	}
	return tagsFromData(doc.Data()), true, nil
}

// Watch streams changes to the field-name collection into fn until ctx ends.
// A removed document is reported with nil tags.
func (c *Client) Watch(ctx context.Context, fn func(name string, tags []string)) error {
	snapIter := c.client.Collection(c.cfg.Collection).Snapshots(ctx)
	defer snapIter.Stop()

	for {
		snap, err := snapIter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("snapshot iterator error", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, change := range snap.Changes {
			name := change.Doc.Ref.ID
			switch change.Kind {
			case firestore.DocumentRemoved:
				fn(name, nil)
			default:
				fn(name, tagsFromData(change.Doc.Data()))
			}
		}
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	iter := c.client.Collection(c.cfg.Collection).Limit(1).Documents(ctx)
	defer iter.Stop()

	_, err := iter.Next()
	// An empty collection still proves Firestore is reachable.
	if err != nil && err != iterator.Done {
		return fmt.Errorf("firestore health check: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func tagsFromData(data map[string]any) []string {
	var tags []string
	switch v := data[tagsField].(type) {
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
				tags = append(tags, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

type tagSource interface {
	FieldTags(ctx context.Context, name string) ([]string, bool, error)
}

// Registry resolves symbolic field names from Firestore, remembering answers
// and falling back to the configured registry when a name is unknown there or
// Firestore cannot be reached.
type Registry struct {
	source   tagSource
	fallback query.TagRegistry
	logger   *zap.Logger

	mu    sync.RWMutex
	known map[string][]string
}

func NewRegistry(source tagSource, fallback query.TagRegistry, logger *zap.Logger) *Registry {
	return &Registry{
		source:   source,
		fallback: fallback,
		logger:   logger,
		known:    make(map[string][]string),
	}
}

func (r *Registry) Resolve(ctx context.Context, name string) ([]string, error) {
	name = strings.ToLower(name)

	r.mu.RLock()
	tags, ok := r.known[name]
	r.mu.RUnlock()
	if ok {
		return tags, nil
	}

	tags, found, err := r.source.FieldTags(ctx, name)
	if err != nil {
		r.logger.Warn("tag registry lookup failed, using configured tags",
			zap.String("name", name),
			zap.Error(err),
		)
		return r.fallback.Resolve(ctx, name)
	}
	if !found {
		tags, err = r.fallback.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.known[name] = tags
	r.mu.Unlock()
	return tags, nil
}

// Update replaces the remembered tags for name. Nil tags forget it.
func (r *Registry) Update(name string, tags []string) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if tags == nil {
		delete(r.known, name)
		return
	}
	r.known[name] = tags
	r.logger.Debug("tag registry updated", zap.String("name", name), zap.Strings("tags", tags))
}

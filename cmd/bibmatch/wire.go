package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/cache"
	"github.com/shubhsaxena/bibmatch/internal/clickhouse"
	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/elasticsearch"
	"github.com/shubhsaxena/bibmatch/internal/firestore"
	"github.com/shubhsaxena/bibmatch/internal/invenio"
	"github.com/shubhsaxena/bibmatch/internal/matcher"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/query"
	"github.com/shubhsaxena/bibmatch/internal/resilience"
	"github.com/shubhsaxena/bibmatch/internal/transform"
	"github.com/shubhsaxena/bibmatch/internal/validator"
)

// services holds every long-lived collaborator built from one Config.
// Optional backends are nil when disabled or unreachable.
type services struct {
	cfg    *config.Config
	logger *zap.Logger

	es        *elasticsearch.Client
	invenio   *invenio.Client
	redis     *cache.RedisCache
	analytics *clickhouse.Client
	tags      *firestore.Client

	transport *resilience.Transport
	searcher  matcher.Searcher
	engine    *query.Engine
	fuzzy     *query.FuzzyGenerator
	validator *validator.Validator

	closers []func() error
}

func buildServices(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*services, error) {
	s := &services{cfg: cfg, logger: logger}

	// Record store
	var (
		backend resilience.Backend
		pacing  = cfg.Transport.LocalSleep
	)
	switch cfg.Search.Backend {
	case "remote":
		inv, err := invenio.NewClient(cfg.Invenio, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing invenio: %w", err)
		}
		s.invenio = inv
		backend = inv
		pacing = cfg.Transport.RemoteSleep
	default:
		es, err := elasticsearch.NewClient(cfg.Elasticsearch, cfg.Match.TagRegistry, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing elasticsearch: %w", err)
		}
		s.es = es
		s.closers = append(s.closers, es.Close)
		backend = es
	}

	// Analytics
	if cfg.ClickHouse.Enabled {
		ch, err := clickhouse.NewClient(cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("clickhouse initialization failed, analytics will be unavailable", zap.Error(err))
		} else {
			if err := ch.EnsureTables(ctx); err != nil {
				logger.Warn("clickhouse table creation failed", zap.Error(err))
			}
			s.analytics = ch
			s.closers = append(s.closers, ch.Close)
		}
	}

	var analyticsWriter observability.AnalyticsWriter
	if s.analytics != nil {
		analyticsWriter = s.analytics
	}
	slow := observability.NewSlowSearchDetector(
		cfg.Transport.SlowSearch.WarningThreshold,
		cfg.Transport.SlowSearch.CriticalThreshold,
		logger,
		analyticsWriter,
	)
	s.transport = resilience.NewTransport(cfg.Search.Backend, backend, cfg.Transport, pacing, logger,
		resilience.WithSlowSearchDetector(slow),
	)
	s.searcher = s.transport

	// Search result cache
	if cfg.Search.CacheEnabled {
		rc, err := cache.NewRedisCache(cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis initialization failed, searching without cache", zap.Error(err))
		} else {
			s.redis = rc
			s.closers = append(s.closers, rc.Close)
			s.searcher = cache.NewCachedSearcher(s.transport, rc, logger)
		}
	}

	// Tag registry
	var registry query.TagRegistry = query.NewStaticRegistry(cfg.Match.TagRegistry)
	if cfg.Firestore.Enabled {
		fs, err := firestore.NewClient(ctx, cfg.Firestore, logger)
		if err != nil {
			logger.Warn("firestore initialization failed, using configured tag registry", zap.Error(err))
		} else {
			s.tags = fs
			s.closers = append(s.closers, fs.Close)
			reg := firestore.NewRegistry(fs, registry, logger)
			go func() {
				if err := fs.Watch(ctx, reg.Update); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("tag registry watch stopped", zap.Error(err))
				}
			}()
			registry = reg
		}
	}

	s.engine = query.NewEngine(registry, transform.Functions{}, query.Options{
		Operator:        cfg.Match.Operator,
		Clean:           cfg.Match.Clean,
		DefaultTemplate: cfg.Match.DefaultTemplate,
	}, logger)
	s.fuzzy = query.NewFuzzyGenerator(query.FuzzyOptionsFromConfig(cfg.Match), logger)

	v, err := validator.New(cfg.Validation, cfg.Match.ASCII, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("compiling validation rulesets: %w", err)
	}
	s.validator = v

	return s, nil
}

// newMatcher builds a matcher sharing the services' collaborators.
func (s *services) newMatcher(opts matcher.Options) *matcher.Matcher {
	return matcher.New(s.engine, s.fuzzy, s.searcher, s.transport, s.validator, opts, s.logger)
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("closing client", zap.Error(err))
		}
	}
	s.closers = nil
}

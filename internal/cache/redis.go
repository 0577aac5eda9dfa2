package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
)

type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(cfg config.RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("redis: no addresses configured")
	}

	var client redis.UniversalClient
	if len(cfg.Addresses) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis cache connected", zap.Strings("addresses", cfg.Addresses))

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// GetIDs returns the cached ids for key, or nil on a miss.
func (rc *RedisCache) GetIDs(ctx context.Context, key string) ([]string, bool, error) {
	val, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(val), &ids); err != nil {
		return nil, false, fmt.Errorf("cache unmarshal: %w", err)
	}
	return ids, true, nil
}

func (rc *RedisCache) SetIDs(ctx context.Context, key string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	return rc.client.Set(ctx, key, data, rc.ttl).Err()
}

// Invalidate drops every cached search result.
func (rc *RedisCache) Invalidate(ctx context.Context) error {
	iter := rc.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return rc.client.Del(ctx, keys...).Err()
}

func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

const keyPrefix = "bm:sr:"

// SearchKey identifies a search request independently of collection order.
func SearchKey(req models.SearchRequest) string {
	colls := slices.Clone(req.Collections)
	slices.Sort(colls)
	raw := fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d", req.Query, req.Field, req.Mode, strings.Join(colls, ","), req.Limit)
	return keyPrefix + hashString(raw)
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}

// Store is the key-value surface CachedSearcher needs.
type Store interface {
	GetIDs(ctx context.Context, key string) ([]string, bool, error)
	SetIDs(ctx context.Context, key string, ids []string) error
}

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) ([]string, error)
}

// CachedSearcher answers repeated searches from the store. Errors and empty
// results are never cached, since an empty result may stand for a search
// that gave up after retries.
type CachedSearcher struct {
	next   Searcher
	store  Store
	logger *zap.Logger
}

func NewCachedSearcher(next Searcher, store Store, logger *zap.Logger) *CachedSearcher {
	return &CachedSearcher{next: next, store: store, logger: logger}
}

func (c *CachedSearcher) Search(ctx context.Context, req models.SearchRequest) ([]string, error) {
	key := SearchKey(req)
	ids, ok, err := c.store.GetIDs(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("cache read failed", zap.Error(err))
	case ok:
		observability.CacheHits.Inc()
		return ids, nil
	default:
		observability.CacheMisses.Inc()
	}

	ids, err = c.next.Search(ctx, req)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	if err := c.store.SetIDs(ctx, key, ids); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
	return ids, nil
}

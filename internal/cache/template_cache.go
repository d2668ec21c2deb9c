// Package cache provides the two-tier form template cache: an in-process
// LRU hot tier in front of Redis. Templates are immutable once published,
// so entries only leave the cache by TTL or explicit invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
)

const keyPrefix = "template:"

// cachedTemplate is the Redis value envelope.
type cachedTemplate struct {
	Template  *domain.FormTemplate `json:"template"`
	CachedAt  time.Time            `json:"cached_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type memoryEntry struct {
	template  *domain.FormTemplate
	expiresAt time.Time
}

// TemplateCache implements domain.TemplateCache. With an empty Redis URL it
// runs on the memory tier alone, which keeps a single-node deployment (and
// the test suite) independent of Redis.
type TemplateCache struct {
	redis      *redis.Client
	memory     *lru.Cache[string, memoryEntry]
	defaultTTL time.Duration
	log        *logrus.Logger
}

// NewTemplateCache creates the template cache from configuration.
func NewTemplateCache(config domain.CacheConfig, logger *logrus.Logger) (*TemplateCache, error) {
	size := config.MemorySize
	if size <= 0 {
		size = 128
	}
	memory, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("creating memory tier: %w", err)
	}

	c := &TemplateCache{
		memory:     memory,
		defaultTTL: config.DefaultTTL,
		log:        logger,
	}

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts.PoolSize = config.PoolSize
		opts.PoolTimeout = config.PoolTimeout
		opts.MaxRetries = config.MaxRetries

		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.redis = client
	}

	return c, nil
}

// Get retrieves a template, consulting the memory tier before Redis. A
// Redis error is reported but still counts as a miss so callers can fall
// through to the repository.
func (c *TemplateCache) Get(ctx context.Context, id string) (*domain.FormTemplate, bool, error) {
	if entry, ok := c.memory.Get(keyPrefix + id); ok {
		if time.Now().Before(entry.expiresAt) {
			return entry.template, true, nil
		}
		c.memory.Remove(keyPrefix + id)
	}

	if c.redis == nil {
		return nil, false, nil
	}

	val, err := c.redis.Get(ctx, keyPrefix+id).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get template cache: %w", err)
	}

	var cached cachedTemplate
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Corrupted entry, drop it and treat as a miss.
		c.redis.Del(ctx, keyPrefix+id)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, keyPrefix+id)
		return nil, false, nil
	}

	c.memory.Add(keyPrefix+id, memoryEntry{template: cached.Template, expiresAt: cached.ExpiresAt})
	return cached.Template, true, nil
}

// Set stores a template in both tiers.
func (c *TemplateCache) Set(ctx context.Context, template *domain.FormTemplate) error {
	expiresAt := time.Now().Add(c.defaultTTL)
	c.memory.Add(keyPrefix+template.ID, memoryEntry{template: template, expiresAt: expiresAt})

	if c.redis == nil {
		return nil
	}

	cached := cachedTemplate{
		Template:  template,
		CachedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal template cache data: %w", err)
	}

	if err := c.redis.Set(ctx, keyPrefix+template.ID, jsonData, c.defaultTTL).Err(); err != nil {
		c.log.WithFields(logrus.Fields{
			"template_id": template.ID,
			"error":       err,
		}).Warn("Failed to write template to Redis tier")
		return fmt.Errorf("caching template: %w", err)
	}
	return nil
}

// Invalidate removes a template from both tiers.
func (c *TemplateCache) Invalidate(ctx context.Context, id string) error {
	c.memory.Remove(keyPrefix + id)

	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, keyPrefix+id).Err()
}

// Ping checks the Redis tier. A memory-only cache is always healthy.
func (c *TemplateCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *TemplateCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

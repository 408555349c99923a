// Package cache provides a Redis-backed read-through cache for manifests,
// installation lists, and shared context. The cache is an optimization
// only: every method is safe on a nil *Cache, and cache errors degrade to
// misses so the store stays the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openhive/agenthub/sdk"
	"github.com/openhive/agenthub/storage"
)

// Cache TTLs. Manifests are immutable once published and can live longer;
// per-user entries are invalidated on write, so the TTL is only a backstop.
const (
	manifestTTL      = time.Hour
	installationsTTL = 5 * time.Minute
	sharedContextTTL = 5 * time.Minute
)

// Cache wraps a Redis client with the orchestrator's key schema.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a Cache over an existing Redis client. A nil client yields a
// disabled cache.
func New(client *redis.Client) *Cache {
	return &Cache{client: client, logger: slog.Default()}
}

// NewFromURL connects to Redis using a redis:// URL and verifies the
// connection.
func NewFromURL(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	return New(client), nil
}

// SetLogger replaces the cache's logger.
func (c *Cache) SetLogger(logger *slog.Logger) {
	if c != nil && logger != nil {
		c.logger = logger
	}
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// ManifestKey returns the cache key for a manifest.
func ManifestKey(agentID, version string) string {
	return fmt.Sprintf("manifest:%s:%s", agentID, version)
}

// InstallationsKey returns the cache key for a user's active installations.
func InstallationsKey(userID string) string {
	return fmt.Sprintf("installations:%s", userID)
}

// SharedContextKey returns the cache key for a user's shared context.
func SharedContextKey(userID string) string {
	return fmt.Sprintf("shared_context:%s", userID)
}

func (c *Cache) get(ctx context.Context, key string, dest any) bool {
	if !c.enabled() {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug("cache entry corrupt", "key", key, "error", err)
		c.client.Del(ctx, key)
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.enabled() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Debug("cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) invalidate(ctx context.Context, keys ...string) {
	if !c.enabled() {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Debug("cache invalidation failed", "keys", keys, "error", err)
	}
}

// GetManifest returns a cached manifest, or false on a miss.
func (c *Cache) GetManifest(ctx context.Context, agentID, version string) (*sdk.AgentManifest, bool) {
	var m sdk.AgentManifest
	if !c.get(ctx, ManifestKey(agentID, version), &m) {
		return nil, false
	}
	return &m, true
}

// SetManifest caches a manifest.
func (c *Cache) SetManifest(ctx context.Context, m *sdk.AgentManifest) {
	c.set(ctx, ManifestKey(m.AgentID, m.Version), m, manifestTTL)
}

// InvalidateManifest drops a cached manifest.
func (c *Cache) InvalidateManifest(ctx context.Context, agentID, version string) {
	c.invalidate(ctx, ManifestKey(agentID, version))
}

// GetInstallations returns a user's cached active installations, or false on
// a miss.
func (c *Cache) GetInstallations(ctx context.Context, userID string) ([]*storage.Installation, bool) {
	var insts []*storage.Installation
	if !c.get(ctx, InstallationsKey(userID), &insts) {
		return nil, false
	}
	return insts, true
}

// SetInstallations caches a user's active installations.
func (c *Cache) SetInstallations(ctx context.Context, userID string, insts []*storage.Installation) {
	c.set(ctx, InstallationsKey(userID), insts, installationsTTL)
}

// InvalidateInstallations drops a user's cached installation list. Called on
// install, pause, resume, and uninstall.
func (c *Cache) InvalidateInstallations(ctx context.Context, userID string) {
	c.invalidate(ctx, InstallationsKey(userID))
}

// GetSharedContext returns a user's cached shared context, or false on a
// miss.
func (c *Cache) GetSharedContext(ctx context.Context, userID string) (map[string]any, bool) {
	var shared map[string]any
	if !c.get(ctx, SharedContextKey(userID), &shared) {
		return nil, false
	}
	return shared, true
}

// SetSharedContext caches a user's shared context.
func (c *Cache) SetSharedContext(ctx context.Context, userID string, shared map[string]any) {
	c.set(ctx, SharedContextKey(userID), shared, sharedContextTTL)
}

// InvalidateSharedContext drops a user's cached shared context. Called after
// any shared context write.
func (c *Cache) InvalidateSharedContext(ctx context.Context, userID string) {
	c.invalidate(ctx, SharedContextKey(userID))
}

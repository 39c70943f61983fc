// Package projectcache memoizes project→company authorization lookups with a
// fixed TTL. Eviction belongs to Redis, not to request handling.
package projectcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"timecard/api/internal/store"
)

// ErrProjectNotFound is returned when the registry has no project for the
// (projectId, companyId) pair. Negative lookups are never cached so a newly
// added project becomes visible immediately.
var ErrProjectNotFound = errors.New("project not found or access denied")

// Registry is the external project registry the cache fronts.
type Registry interface {
	GetProject(ctx context.Context, projectID, companyID string) (store.Project, error)
}

type Cache struct {
	client   *redis.Client
	registry Registry
	ttl      time.Duration
	prefix   string
}

func New(redisURL string, registry Registry, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, registry, ttl), nil
}

// NewWithClient builds a cache from an existing Redis client.
func NewWithClient(client *redis.Client, registry Registry, ttl time.Duration) *Cache {
	return &Cache{
		client:   client,
		registry: registry,
		ttl:      ttl,
		prefix:   "projauth:",
	}
}

func (c *Cache) key(projectID, companyID string) string {
	return c.prefix + projectID + ":" + companyID
}

// Validate returns the project if it belongs to the company. Cached hits may
// be up to TTL stale; that is acceptable for authorization, which rarely
// changes. A Redis outage degrades to a registry lookup rather than failing
// the request.
func (c *Cache) Validate(ctx context.Context, projectID, companyID string) (store.Project, error) {
	key := c.key(projectID, companyID)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var project store.Project
		if jsonErr := json.Unmarshal([]byte(cached), &project); jsonErr == nil {
			return project, nil
		}
		// Unreadable payload: fall through and repopulate.
	}

	project, err := c.registry.GetProject(ctx, projectID, companyID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, ErrProjectNotFound
	}
	if err != nil {
		return store.Project{}, fmt.Errorf("registry lookup: %w", err)
	}

	if payload, err := json.Marshal(project); err == nil {
		_ = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	return project, nil
}

// Invalidate drops one cached pair. Used by tests and admin tooling.
func (c *Cache) Invalidate(ctx context.Context, projectID, companyID string) error {
	if err := c.client.Del(ctx, c.key(projectID, companyID)).Err(); err != nil {
		return fmt.Errorf("invalidate project cache: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Package registry resolves tenant slugs from topics to the UUIDs storage
// isolates on.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/traksense/ingest-core/internal/store"
)

// ErrUnknownTenant marks a slug with no tenants row.
var ErrUnknownTenant = errors.New("unknown tenant")

const (
	redisKeyPrefix = "ingest:tenant:"
	// unknown slugs are remembered briefly so a misconfigured device does
	// not hammer the tenants table
	negativeTTL = 30 * time.Second
)

type cacheEntry struct {
	id      uuid.UUID
	unknown bool
	expires time.Time
}

// Resolver answers slug lookups through three layers: an in-process TTL
// map, an optional redis cache, and the tenants table.
type Resolver struct {
	db  *gorm.DB
	rdb *redis.Client
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
	nowFn func() time.Time
}

func New(db *gorm.DB, rdb *redis.Client, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		db:    db,
		rdb:   rdb,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
		nowFn: time.Now,
	}
}

// Resolve maps a tenant slug to its UUID. Slugs are matched verbatim, case
// significant, same as the topic router treats them.
func (r *Resolver) Resolve(ctx context.Context, slug string) (uuid.UUID, error) {
	if slug == "" {
		return uuid.Nil, ErrUnknownTenant
	}

	now := r.nowFn()
	r.mu.RLock()
	entry, ok := r.cache[slug]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		if entry.unknown {
			return uuid.Nil, ErrUnknownTenant
		}
		return entry.id, nil
	}

	if r.rdb != nil {
		if val, err := r.rdb.Get(ctx, redisKeyPrefix+slug).Result(); err == nil {
			if id, perr := uuid.Parse(val); perr == nil {
				r.remember(slug, id, false)
				return id, nil
			}
		} else if err != redis.Nil {
			slog.Warn("tenant cache read failed", "slug", slug, "error", err)
		}
	}

	var tenant store.Tenant
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.remember(slug, uuid.Nil, true)
		return uuid.Nil, ErrUnknownTenant
	}
	if err != nil {
		return uuid.Nil, err
	}

	r.remember(slug, tenant.ID, false)
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, redisKeyPrefix+slug, tenant.ID.String(), r.ttl).Err(); err != nil {
			slog.Warn("tenant cache write failed", "slug", slug, "error", err)
		}
	}
	return tenant.ID, nil
}

func (r *Resolver) remember(slug string, id uuid.UUID, unknown bool) {
	ttl := r.ttl
	if unknown {
		ttl = negativeTTL
	}
	r.mu.Lock()
	r.cache[slug] = cacheEntry{id: id, unknown: unknown, expires: r.nowFn().Add(ttl)}
	r.mu.Unlock()
}

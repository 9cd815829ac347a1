package repository

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

// CachedLTIRepository keeps recently used course credentials in memory.
// Missing integrations are not cached so a newly configured course is
// picked up on the next sync.
type CachedLTIRepository struct {
	Backend LTIRepository
	Cache   *lru.Cache
	TTL     time.Duration
}

type ltiCacheEntry struct {
	integration models.LTIIntegration
	lastUpdated time.Time
}

func NewCachedLTIRepository(backend LTIRepository, cacheSize int, ttl time.Duration) (*CachedLTIRepository, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &CachedLTIRepository{
		Backend: backend,
		Cache:   cache,
		TTL:     ttl,
	}, nil
}

func (c *CachedLTIRepository) GetByCourseID(ctx context.Context, courseID string) (*models.LTIIntegration, error) {
	if entryI, ok := c.Cache.Get(courseID); ok {
		entry := entryI.(*ltiCacheEntry)
		if time.Since(entry.lastUpdated) <= c.TTL {
			li := entry.integration
			return &li, nil
		}
		c.Cache.Remove(courseID)
	}

	li, err := c.Backend.GetByCourseID(ctx, courseID)
	if err != nil || li == nil {
		return li, err
	}

	c.Cache.Add(courseID, &ltiCacheEntry{
		integration: *li,
		lastUpdated: time.Now(),
	})
	return li, nil
}

var _ LTIRepository = (*CachedLTIRepository)(nil)

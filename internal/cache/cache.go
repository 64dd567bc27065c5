package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
)

//go:generate mockgen -source cache.go -destination=cache_mock_test.go -package=cache

type repo interface {
	GetOrder(ctx context.Context, externalID string) (*domain.Order, error)
	RecentOrderIDs(ctx context.Context, limit int) ([]string, error)
}

var _ domain.Cache = (*Cache)(nil)

// Cache holds recently seen orders by external id. It only ever speeds up
// lookups; the store stays the source of truth for "known".
type Cache struct {
	size    int
	lru     *lru.Cache[string, domain.Order]
	metrics observability.Metrics
}

func New(size int, metrics observability.Metrics) (*Cache, error) {
	c, err := lru.New[string, domain.Order](size)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.NewNoop()
	}
	return &Cache{
		size:    size,
		lru:     c,
		metrics: metrics,
	}, nil
}

// Warm loads up to size of the most recent orders and returns how many it
// cached. Read errors are skipped.
func (c *Cache) Warm(ctx context.Context, repo repo) int {
	ids, err := repo.RecentOrderIDs(ctx, c.size)
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		if o, err := repo.GetOrder(ctx, id); err == nil {
			c.Set(id, *o)
			n++
		}
	}
	return n
}

func (c *Cache) Get(externalID string) (domain.Order, bool) {
	order, ok := c.lru.Get(externalID)
	if ok {
		c.metrics.IncCacheHit()
	} else {
		c.metrics.IncCacheMiss()
	}
	return order, ok
}

func (c *Cache) Set(externalID string, order domain.Order) {
	c.lru.Add(externalID, order)
}

// Contains checks membership without touching recency.
func (c *Cache) Contains(externalID string) bool {
	return c.lru.Contains(externalID)
}

func (c *Cache) Len() int { return c.lru.Len() }

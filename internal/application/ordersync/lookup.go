package ordersync

import (
	"context"
	"time"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
)

type LookupSource string

const (
	SourceCache LookupSource = "cache"
	SourceStore LookupSource = "store"
)

// LookupStats says where an order came from and how long each tier took.
type LookupStats struct {
	Source  LookupSource
	CacheMs float64
	StoreMs float64
}

// Order returns a known order, cache first.
func (e *Engine) Order(ctx context.Context, externalID string) (*domain.Order, error) {
	o, _, err := e.Lookup(ctx, externalID)
	return o, err
}

// Lookup is Order with timings. A store hit is put back into the cache.
func (e *Engine) Lookup(ctx context.Context, externalID string) (*domain.Order, LookupStats, error) {
	var st LookupStats

	start := time.Now()
	o, ok := e.cache.Get(externalID)
	st.CacheMs = observability.SinceMs(start)
	if ok {
		st.Source = SourceCache
		return &o, st, nil
	}

	start = time.Now()
	stored, err := e.repo.GetOrder(ctx, externalID)
	st.StoreMs = observability.SinceMs(start)
	if err != nil {
		return nil, st, err
	}
	st.Source = SourceStore
	e.cache.Set(externalID, *stored)
	return stored, st, nil
}

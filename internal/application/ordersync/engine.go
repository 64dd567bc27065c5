package ordersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/marketplace"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/retry"
)

//go:generate mockgen -source engine.go -destination=engine_mock_test.go -package=ordersync
//go:generate mockgen -destination=repo_mock_test.go -package=ordersync github.com/TemirB/wb-delivery-sync/internal/domain OrderRepository

const opListOrders = "list_orders"

type OrderSource interface {
	ListOrders(ctx context.Context, page, size int) (marketplace.OrderPage, error)
}

type Config struct {
	PageSize int
	MaxPages int
	Policy   retry.Policy
}

// Result is the outcome of one sync run. NewOrders holds every order first
// seen by this run even when Errors is not empty.
type Result struct {
	NewOrders []domain.Order
	Errors    []error
	Pages     int
}

func (r Result) OK() bool { return len(r.Errors) == 0 }

func (r Result) Err() error { return errors.Join(r.Errors...) }

type Engine struct {
	source  OrderSource
	exec    *executor.Executor
	repo    domain.OrderRepository
	cache   domain.Cache
	cfg     Config
	logger  *zap.Logger
	metrics observability.Metrics

	// serializes dedup and insert across concurrent runs
	mu sync.Mutex
}

func NewEngine(
	source OrderSource,
	exec *executor.Executor,
	repo domain.OrderRepository,
	cache domain.Cache,
	cfg Config,
	logger *zap.Logger,
	metrics observability.Metrics,
) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoop()
	}
	return &Engine{
		source:  source,
		exec:    exec,
		repo:    repo,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// SyncOnce pulls open orders page by page and stores the unseen ones.
// A page that fails after retries ends the run; what was stored before it
// stays stored and is reported in the result.
func (e *Engine) SyncOnce(ctx context.Context) Result {
	start := time.Now()
	var res Result

	for page := 0; e.cfg.MaxPages <= 0 || page < e.cfg.MaxPages; page++ {
		p, err := executor.Call(ctx, e.exec, opListOrders, e.cfg.Policy,
			func(ctx context.Context) (marketplace.OrderPage, error) {
				return e.source.ListOrders(ctx, page, e.cfg.PageSize)
			})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("fetch page %d: %w", page, err))
			break
		}
		res.Pages++
		if len(p.Orders) == 0 {
			break
		}

		fresh, err := e.ingest(ctx, p.Orders)
		res.NewOrders = append(res.NewOrders, fresh...)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("store page %d: %w", page, err))
			break
		}

		if p.TotalPages > 0 && page >= p.TotalPages-1 {
			break
		}
		if p.TotalPages <= 0 && len(p.Orders) < e.cfg.PageSize {
			break
		}
	}

	dur := observability.SinceMs(start)
	e.metrics.ObserveSync(len(res.NewOrders), res.OK(), dur)
	if res.OK() {
		e.logger.Info("order sync finished",
			zap.Int("pages", res.Pages),
			zap.Int("new_orders", len(res.NewOrders)),
			zap.Float64("duration_ms", dur),
		)
	} else {
		e.logger.Warn("order sync finished with errors",
			zap.Int("pages", res.Pages),
			zap.Int("new_orders", len(res.NewOrders)),
			zap.Error(res.Err()),
		)
	}
	return res
}

// ingest returns the orders of one page that this call inserted.
func (e *Engine) ingest(ctx context.Context, orders []domain.Order) ([]domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(orders))
	candidates := make([]domain.Order, 0, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			e.logger.Warn("skipping malformed order", zap.String("external_id", o.ExternalID), zap.Error(err))
			continue
		}
		if _, dup := seen[o.ExternalID]; dup {
			continue
		}
		seen[o.ExternalID] = struct{}{}
		if e.cache.Contains(o.ExternalID) {
			continue
		}
		candidates = append(candidates, o)
		ids = append(ids, o.ExternalID)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	known, err := e.repo.KnownIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("known ids: %w", err)
	}

	unknown := candidates[:0]
	for _, o := range candidates {
		if _, ok := known[o.ExternalID]; !ok {
			unknown = append(unknown, o)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}

	inserted, err := e.repo.InsertNew(ctx, unknown)
	if err != nil {
		return nil, fmt.Errorf("insert orders: %w", err)
	}
	insertedSet := make(map[string]struct{}, len(inserted))
	for _, id := range inserted {
		insertedSet[id] = struct{}{}
	}

	fresh := make([]domain.Order, 0, len(inserted))
	for _, o := range unknown {
		if _, ok := insertedSet[o.ExternalID]; ok {
			e.cache.Set(o.ExternalID, o)
			fresh = append(fresh, o)
		}
	}
	return fresh, nil
}

// SetStatus is the only way an order's status changes locally.
func (e *Engine) SetStatus(ctx context.Context, externalID string, status domain.OrderStatus) error {
	if !status.Valid() {
		return domain.ErrValidationf("unknown order status %q", status)
	}
	if err := e.repo.UpdateOrderStatus(ctx, externalID, status); err != nil {
		return err
	}
	if o, ok := e.cache.Get(externalID); ok {
		o.Status = status
		e.cache.Set(externalID, o)
	}
	return nil
}

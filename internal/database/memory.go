package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
)

var (
	_ domain.OrderRepository    = (*Memory)(nil)
	_ domain.DeliveryRepository = (*Memory)(nil)
)

// Memory is the store used when no Postgres is configured. It follows the
// same contract as Repo, including one active delivery per order.
type Memory struct {
	mu         sync.RWMutex
	orders     map[string]domain.Order
	deliveries map[string]domain.Delivery
}

func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[string]domain.Order),
		deliveries: make(map[string]domain.Delivery),
	}
}

func (m *Memory) InsertNew(_ context.Context, orders []domain.Order) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted []string
	for _, o := range orders {
		if _, ok := m.orders[o.ExternalID]; ok {
			continue
		}
		m.orders[o.ExternalID] = cloneOrder(o)
		inserted = append(inserted, o.ExternalID)
	}
	return inserted, nil
}

func (m *Memory) KnownIDs(_ context.Context, ids []string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	known := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := m.orders[id]; ok {
			known[id] = struct{}{}
		}
	}
	return known, nil
}

func (m *Memory) GetOrder(_ context.Context, externalID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, externalID)
	}
	out := cloneOrder(o)
	return &out, nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, externalID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[externalID]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, externalID)
	}
	o.Status = status
	m.orders[externalID] = o
	return nil
}

func (m *Memory) RecentOrderIDs(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	orders := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ExternalID < orders[j].ExternalID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if limit >= 0 && len(orders) > limit {
		orders = orders[:limit]
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ExternalID)
	}
	return ids, nil
}

func (m *Memory) CreateDelivery(_ context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.ID]; ok {
		return fmt.Errorf("%w: delivery %s", domain.ErrDeliveryExists, d.ID)
	}
	if _, ok := m.activeFor(d.OrderExternalID); ok && !d.Status.IsTerminal() {
		return fmt.Errorf("%w: order %s", domain.ErrDeliveryExists, d.OrderExternalID)
	}
	m.deliveries[d.ID] = cloneDelivery(*d)
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	out := cloneDelivery(d)
	return &out, nil
}

func (m *Memory) UpdateDelivery(_ context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.ID]; !ok {
		return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, d.ID)
	}
	m.deliveries[d.ID] = cloneDelivery(*d)
	return nil
}

func (m *Memory) ActiveDeliveryForOrder(_ context.Context, externalID string) (*domain.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.activeFor(externalID)
	if !ok {
		return nil, fmt.Errorf("%w: active delivery for order %s", domain.ErrNotFound, externalID)
	}
	out := cloneDelivery(d)
	return &out, nil
}

func (m *Memory) activeFor(externalID string) (domain.Delivery, bool) {
	for _, d := range m.deliveries {
		if d.OrderExternalID == externalID && !d.Status.IsTerminal() {
			return d, true
		}
	}
	return domain.Delivery{}, false
}

func cloneOrder(o domain.Order) domain.Order {
	if o.Items != nil {
		o.Items = append([]domain.Item(nil), o.Items...)
	}
	if o.Customer.Email != nil {
		email := *o.Customer.Email
		o.Customer.Email = &email
	}
	return o
}

func cloneDelivery(d domain.Delivery) domain.Delivery {
	if d.SMSRequestID != nil {
		id := *d.SMSRequestID
		d.SMSRequestID = &id
	}
	if d.ConfirmedAt != nil {
		at := *d.ConfirmedAt
		d.ConfirmedAt = &at
	}
	return d
}

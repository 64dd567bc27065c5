package domain

import (
	"context"
)

type OrderRepository interface {
	// InsertNew stores the orders whose ExternalID is not stored yet and
	// returns the ids it actually inserted.
	InsertNew(ctx context.Context, orders []Order) ([]string, error)
	// KnownIDs returns the subset of ids already stored.
	KnownIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	GetOrder(ctx context.Context, externalID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, externalID string, status OrderStatus) error
	RecentOrderIDs(ctx context.Context, limit int) ([]string, error)
}

type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	ActiveDeliveryForOrder(ctx context.Context, externalID string) (*Delivery, error)
}

type Cache interface {
	Get(externalID string) (Order, bool)
	Set(externalID string, order Order)
	Contains(externalID string) bool
}

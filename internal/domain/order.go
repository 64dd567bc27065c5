package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderNew        OrderStatus = "NEW"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderCompleted  OrderStatus = "COMPLETED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderReturned   OrderStatus = "RETURNED"
	OrderDelivered  OrderStatus = "DELIVERED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderNew, OrderProcessing, OrderCompleted, OrderCancelled, OrderReturned, OrderDelivered:
		return true
	}
	return false
}

// Order is a marketplace order as the seller sees it. ExternalID is the
// marketplace id and is unique locally.
type Order struct {
	ExternalID      string          `json:"id"`
	OrderNumber     string          `json:"orderNumber"`
	Customer        Customer        `json:"customer"`
	DeliveryAddress string          `json:"deliveryAddress"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          OrderStatus     `json:"status"`
	Items           []Item          `json:"items"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type Customer struct {
	Name  string  `json:"name"`
	Phone string  `json:"phone"`
	Email *string `json:"email,omitempty"`
}

type Item struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"price"`
}

// Validate checks what ingestion relies on: an id and a known status.
func (o *Order) Validate() error {
	if o.ExternalID == "" {
		return ErrValidationf("order id is empty")
	}
	if !o.Status.Valid() {
		return ErrValidationf("order %s: unknown status %q", o.ExternalID, o.Status)
	}
	for i, it := range o.Items {
		if it.Quantity < 0 {
			return ErrValidationf("order %s: item %d has negative quantity", o.ExternalID, i)
		}
	}
	return nil
}

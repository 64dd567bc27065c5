package domain

import "time"

// DeliveryEvent is published after every persisted delivery transition.
type DeliveryEvent struct {
	DeliveryID      string         `json:"deliveryId"`
	OrderExternalID string         `json:"orderId"`
	From            DeliveryStatus `json:"from"`
	To              DeliveryStatus `json:"to"`
	Reason          string         `json:"reason,omitempty"`
	At              time.Time      `json:"at"`
}

// CourierAlert tells a courier about a delivery assigned to them.
type CourierAlert struct {
	CourierID       string    `json:"courierId"`
	DeliveryID      string    `json:"deliveryId"`
	OrderExternalID string    `json:"orderId"`
	TrackingNumber  string    `json:"trackingNumber"`
	Address         string    `json:"address"`
	At              time.Time `json:"at"`
}

// StatusMismatch records a local order status the marketplace has not
// accepted yet.
type StatusMismatch struct {
	OrderExternalID string      `json:"orderId"`
	Status          OrderStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	Attempts        int         `json:"attempts,omitempty"`
	At              time.Time   `json:"at"`
}

package domain

import (
	"fmt"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "PENDING"
	DeliveryInTransit    DeliveryStatus = "IN_TRANSIT"
	DeliveryArrived      DeliveryStatus = "ARRIVED"
	DeliveryAwaitingCode DeliveryStatus = "AWAITING_CODE"
	DeliveryConfirmed    DeliveryStatus = "CONFIRMED"
	DeliveryCancelled    DeliveryStatus = "CANCELLED"
	DeliveryFailed       DeliveryStatus = "FAILED"
)

var transitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending:      {DeliveryInTransit, DeliveryCancelled},
	DeliveryInTransit:    {DeliveryArrived, DeliveryCancelled, DeliveryFailed},
	DeliveryArrived:      {DeliveryAwaitingCode, DeliveryCancelled, DeliveryFailed},
	DeliveryAwaitingCode: {DeliveryAwaitingCode, DeliveryConfirmed, DeliveryCancelled, DeliveryFailed},
}

// CanTransition reports whether the table allows s -> next.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryConfirmed, DeliveryCancelled, DeliveryFailed:
		return true
	}
	return false
}

// Delivery is the local record of getting one order into the customer's hands.
// OrderExternalID references an Order, it does not own it.
type Delivery struct {
	ID              string         `json:"id"`
	OrderExternalID string         `json:"orderId"`
	TrackingNumber  string         `json:"trackingNumber"`
	CourierID       string         `json:"courierId,omitempty"`
	Status          DeliveryStatus `json:"status"`
	SMSRequestID    *string        `json:"smsRequestId,omitempty"`
	CodeAttempts    int            `json:"codeAttempts"`
	FailureReason   string         `json:"failureReason,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ConfirmedAt     *time.Time     `json:"confirmedAt,omitempty"`
}

// Transition moves d to next if the table allows it.
func (d *Delivery) Transition(next DeliveryStatus, at time.Time) error {
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("%w: delivery %s %s -> %s", ErrInvalidTransition, d.ID, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = at
	if next == DeliveryConfirmed {
		t := at
		d.ConfirmedAt = &t
	}
	return nil
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/config"
	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/marketplace"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
)

//go:generate mockgen -source workflow.go -destination=workflow_mock_test.go -package=delivery

const (
	opRequestSMS   = "request_sms"
	opConfirm      = "confirm_delivery"
	opUpdateStatus = "update_status"
)

// Gateway is the part of the marketplace the workflow talks to.
type Gateway interface {
	UpdateOrderStatus(ctx context.Context, externalID string, status domain.OrderStatus) error
	RequestSMS(ctx context.Context, externalID, phone string) (marketplace.SMSResponse, error)
	ConfirmDelivery(ctx context.Context, externalID, code string) (marketplace.ConfirmResponse, error)
}

// Orders is the synced order set.
type Orders interface {
	Order(ctx context.Context, externalID string) (*domain.Order, error)
	SetStatus(ctx context.Context, externalID string, status domain.OrderStatus) error
}

type EventSink interface {
	PublishEvent(ctx context.Context, ev domain.DeliveryEvent) error
	PublishCourierAlert(ctx context.Context, alert domain.CourierAlert) error
}

// Reconciler queues status write-backs the marketplace did not accept.
type Reconciler interface {
	Enqueue(ctx context.Context, m domain.StatusMismatch) error
}

type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeInvalidCode      Outcome = "invalid_code"
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
)

// ConfirmResult is what a code submission ended in. WriteBackErr is set when
// the delivery was confirmed locally but the marketplace did not take the
// DELIVERED status; the mismatch has been queued by then.
type ConfirmResult struct {
	Outcome      Outcome
	Delivery     *domain.Delivery
	WriteBackErr error
}

func (r ConfirmResult) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed || r.Outcome == OutcomeAlreadyConfirmed
}

type Option func(*Workflow)

func WithEvents(s EventSink) Option {
	return func(w *Workflow) { w.events = s }
}

func WithReconciler(r Reconciler) Option {
	return func(w *Workflow) { w.reconciler = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

func WithMetrics(m observability.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow drives deliveries from courier assignment to a confirmed handover.
// Operations on one delivery are serialized; different deliveries run freely.
type Workflow struct {
	gateway    Gateway
	exec       *executor.Executor
	orders     Orders
	repo       domain.DeliveryRepository
	policies   config.Retry
	events     EventSink
	reconciler Reconciler
	logger     *zap.Logger
	metrics    observability.Metrics
	now        func() time.Time
	locks      *keyedLocks
}

func NewWorkflow(
	gateway Gateway,
	exec *executor.Executor,
	orders Orders,
	repo domain.DeliveryRepository,
	policies config.Retry,
	opts ...Option,
) *Workflow {
	w := &Workflow{
		gateway:  gateway,
		exec:     exec,
		orders:   orders,
		repo:     repo,
		policies: policies,
		logger:   zap.NewNop(),
		metrics:  observability.NewNoop(),
		now:      time.Now,
		locks:    newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create opens a Pending delivery for a synced order. An order has at most
// one delivery that is not finished.
func (w *Workflow) Create(ctx context.Context, orderExternalID, trackingNumber string) (*domain.Delivery, error) {
	orderExternalID = strings.TrimSpace(orderExternalID)
	trackingNumber = strings.TrimSpace(trackingNumber)
	if orderExternalID == "" || trackingNumber == "" {
		return nil, domain.ErrValidationf("order id and tracking number are required")
	}

	unlock, err := w.locks.lock(ctx, "order:"+orderExternalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := w.orders.Order(ctx, orderExternalID); err != nil {
		return nil, err
	}
	active, err := w.repo.ActiveDeliveryForOrder(ctx, orderExternalID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: order %s has delivery %s", domain.ErrDeliveryExists, orderExternalID, active.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	now := w.now()
	d := &domain.Delivery{
		ID:              uuid.NewString(),
		OrderExternalID: orderExternalID,
		TrackingNumber:  trackingNumber,
		Status:          domain.DeliveryPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := w.repo.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}

	w.logger.Info("delivery created",
		zap.String("delivery_id", d.ID),
		zap.String("external_id", orderExternalID),
	)
	w.publish(ctx, domain.DeliveryEvent{
		DeliveryID:      d.ID,
		OrderExternalID: orderExternalID,
		To:              domain.DeliveryPending,
		At:              now,
	})
	return d, nil
}

// AssignCourier hands a Pending delivery to a courier and alerts them.
func (w *Workflow) AssignCourier(ctx context.Context, id, courierID string) (*domain.Delivery, error) {
	courierID = strings.TrimSpace(courierID)
	if courierID == "" {
		return nil, domain.ErrValidationf("courier id is required")
	}

	var out *domain.Delivery
	err := w.withDelivery(ctx, id, func(d *domain.Delivery) error {
		if d.Status != domain.DeliveryPending {
			return invalid(d, domain.DeliveryInTransit)
		}
		d.CourierID = courierID
		if err := w.transition(ctx, d, domain.DeliveryInTransit, ""); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.alertCourier(ctx, out)
	return out, nil
}

func (w *Workflow) ArriveAtCustomer(ctx context.Context, id string) (*domain.Delivery, error) {
	var out *domain.Delivery
	err := w.withDelivery(ctx, id, func(d *domain.Delivery) error {
		if d.Status != domain.DeliveryInTransit {
			return invalid(d, domain.DeliveryArrived)
		}
		if err := w.transition(ctx, d, domain.DeliveryArrived, ""); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// RequestConfirmationCode asks the marketplace to text the customer a code.
// The delivery moves to AwaitingCode only when the marketplace accepted the
// request; a failure leaves it Arrived.
func (w *Workflow) RequestConfirmationCode(ctx context.Context, id string) (string, error) {
	var messageID string
	err := w.withDelivery(ctx, id, func(d *domain.Delivery) error {
		if d.Status != domain.DeliveryArrived {
			return invalid(d, domain.DeliveryAwaitingCode)
		}
		order, err := w.orders.Order(ctx, d.OrderExternalID)
		if err != nil {
			return err
		}

		resp, err := executor.Call(ctx, w.exec, opRequestSMS, w.policies.Code,
			func(ctx context.Context) (marketplace.SMSResponse, error) {
				return w.gateway.RequestSMS(ctx, d.OrderExternalID, order.Customer.Phone)
			})
		if err != nil {
			w.logger.Warn("confirmation code request failed",
				zap.String("delivery_id", d.ID),
				zap.String("external_id", d.OrderExternalID),
				zap.Error(err),
			)
			return err
		}

		d.SMSRequestID = &resp.MessageID
		if err := w.transition(context.WithoutCancel(ctx), d, domain.DeliveryAwaitingCode, ""); err != nil {
			return err
		}
		messageID = resp.MessageID
		return nil
	})
	return messageID, err
}

// ConfirmDelivery submits the customer's code. A wrong code is an outcome,
// not an error. The state is checked before any call so a duplicate
// submission never reaches the marketplace twice.
func (w *Workflow) ConfirmDelivery(ctx context.Context, id, code string) (ConfirmResult, error) {
	var res ConfirmResult
	err := w.withDelivery(ctx, id, func(d *domain.Delivery) error {
		res.Delivery = d
		switch d.Status {
		case domain.DeliveryConfirmed:
			res.Outcome = OutcomeAlreadyConfirmed
			return nil
		case domain.DeliveryAwaitingCode:
		default:
			return invalid(d, domain.DeliveryConfirmed)
		}

		code = strings.TrimSpace(code)
		if code == "" {
			res.Outcome = OutcomeInvalidCode
			return nil
		}

		resp, err := executor.Call(ctx, w.exec, opConfirm, w.policies.Code,
			func(ctx context.Context) (marketplace.ConfirmResponse, error) {
				return w.gateway.ConfirmDelivery(ctx, d.OrderExternalID, code)
			})
		if err != nil {
			if unrecoverable(err) {
				if ferr := w.transition(context.WithoutCancel(ctx), d, domain.DeliveryFailed, err.Error()); ferr != nil {
					w.logger.Error("failed to mark delivery failed", zap.String("delivery_id", d.ID), zap.Error(ferr))
				}
			}
			return err
		}

		// the marketplace has answered; record it even if the caller went away
		pctx := context.WithoutCancel(ctx)
		if !resp.Accepted {
			d.CodeAttempts++
			if err := w.transition(pctx, d, domain.DeliveryAwaitingCode, "invalid code"); err != nil {
				return err
			}
			res.Outcome = OutcomeInvalidCode
			return nil
		}

		if err := w.transition(pctx, d, domain.DeliveryConfirmed, ""); err != nil {
			return err
		}
		res.Outcome = OutcomeConfirmed

		if err := w.orders.SetStatus(pctx, d.OrderExternalID, domain.OrderDelivered); err != nil {
			w.logger.Error("failed to mark order delivered",
				zap.String("external_id", d.OrderExternalID),
				zap.Error(err),
			)
		}
		res.WriteBackErr = w.WriteBackStatus(ctx, d.OrderExternalID, domain.OrderDelivered)
		return nil
	})
	return res, err
}

// Cancel stops any unfinished delivery.
func (w *Workflow) Cancel(ctx context.Context, id, reason string) (*domain.Delivery, error) {
	return w.finish(ctx, id, domain.DeliveryCancelled, reason)
}

// Fail marks a delivery that hit an error nobody can retry.
func (w *Workflow) Fail(ctx context.Context, id, reason string) (*domain.Delivery, error) {
	return w.finish(ctx, id, domain.DeliveryFailed, reason)
}

func (w *Workflow) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	return w.repo.GetDelivery(ctx, id)
}

// WriteBackStatus pushes a local status to the marketplace. When the write
// policy is exhausted the mismatch is queued for reconciliation and the
// error returned for the caller to log; the local status stays as it is.
func (w *Workflow) WriteBackStatus(ctx context.Context, orderExternalID string, status domain.OrderStatus) error {
	err := w.SyncStatus(ctx, orderExternalID, status)
	if err == nil {
		return nil
	}

	mismatch := domain.StatusMismatch{
		OrderExternalID: orderExternalID,
		Status:          status,
		Reason:          err.Error(),
		At:              w.now(),
	}
	if w.reconciler == nil {
		w.logger.Warn("status write-back failed, no reconciler configured",
			zap.String("external_id", orderExternalID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return err
	}
	if qerr := w.reconciler.Enqueue(context.WithoutCancel(ctx), mismatch); qerr != nil {
		w.logger.Error("failed to queue status mismatch",
			zap.String("external_id", orderExternalID),
			zap.String("status", string(status)),
			zap.Error(qerr),
		)
		return errors.Join(err, qerr)
	}
	w.logger.Warn("status write-back failed, queued for reconciliation",
		zap.String("external_id", orderExternalID),
		zap.String("status", string(status)),
		zap.Error(err),
	)
	return err
}

// SyncStatus is the write-back without queueing on failure.
func (w *Workflow) SyncStatus(ctx context.Context, orderExternalID string, status domain.OrderStatus) error {
	if !status.Valid() {
		return domain.ErrValidationf("unknown order status %q", status)
	}
	err := w.exec.Do(ctx, opUpdateStatus, w.policies.Write, func(ctx context.Context) error {
		return w.gateway.UpdateOrderStatus(ctx, orderExternalID, status)
	})
	if err != nil {
		return err
	}
	w.logger.Info("order status written back",
		zap.String("external_id", orderExternalID),
		zap.String("status", string(status)),
	)
	return nil
}

func (w *Workflow) finish(ctx context.Context, id string, to domain.DeliveryStatus, reason string) (*domain.Delivery, error) {
	var out *domain.Delivery
	err := w.withDelivery(ctx, id, func(d *domain.Delivery) error {
		if err := w.transition(ctx, d, to, strings.TrimSpace(reason)); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// withDelivery loads the delivery inside its exclusive section.
func (w *Workflow) withDelivery(ctx context.Context, id string, fn func(d *domain.Delivery) error) error {
	unlock, err := w.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := w.repo.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	return fn(d)
}

// transition applies, persists and publishes one state change.
func (w *Workflow) transition(ctx context.Context, d *domain.Delivery, to domain.DeliveryStatus, reason string) error {
	from := d.Status
	at := w.now()
	if err := d.Transition(to, at); err != nil {
		return err
	}
	if to == domain.DeliveryCancelled || to == domain.DeliveryFailed {
		d.FailureReason = reason
	}
	if err := w.repo.UpdateDelivery(ctx, d); err != nil {
		return fmt.Errorf("save delivery %s: %w", d.ID, err)
	}

	w.metrics.ObserveTransition(string(from), string(to))
	w.logger.Info("delivery transition",
		zap.String("delivery_id", d.ID),
		zap.String("external_id", d.OrderExternalID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	w.publish(ctx, domain.DeliveryEvent{
		DeliveryID:      d.ID,
		OrderExternalID: d.OrderExternalID,
		From:            from,
		To:              to,
		Reason:          reason,
		At:              at,
	})
	return nil
}

func (w *Workflow) publish(ctx context.Context, ev domain.DeliveryEvent) {
	if w.events == nil {
		return
	}
	if err := w.events.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		w.logger.Warn("failed to publish delivery event",
			zap.String("delivery_id", ev.DeliveryID),
			zap.String("to", string(ev.To)),
			zap.Error(err),
		)
	}
}

func (w *Workflow) alertCourier(ctx context.Context, d *domain.Delivery) {
	if w.events == nil {
		return
	}
	alert := domain.CourierAlert{
		CourierID:       d.CourierID,
		DeliveryID:      d.ID,
		OrderExternalID: d.OrderExternalID,
		TrackingNumber:  d.TrackingNumber,
		At:              d.UpdatedAt,
	}
	if order, err := w.orders.Order(ctx, d.OrderExternalID); err == nil {
		alert.Address = order.DeliveryAddress
	}
	if err := w.events.PublishCourierAlert(context.WithoutCancel(ctx), alert); err != nil {
		w.logger.Warn("failed to alert courier",
			zap.String("delivery_id", d.ID),
			zap.String("courier_id", d.CourierID),
			zap.Error(err),
		)
	}
}

func invalid(d *domain.Delivery, to domain.DeliveryStatus) error {
	return fmt.Errorf("%w: delivery %s %s -> %s", domain.ErrInvalidTransition, d.ID, d.Status, to)
}

// unrecoverable reports errors saying the order is gone upstream.
func unrecoverable(err error) bool {
	if executor.KindOf(err) != executor.KindServer {
		return false
	}
	code := executor.StatusOf(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

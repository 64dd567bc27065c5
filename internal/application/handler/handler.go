package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/retry"
)

//go:generate mockgen -source handler.go -destination=handler_mock_test.go -package=handler

var (
	ErrBadJSON = errors.New("bad json")
	ErrSync    = errors.New("status sync failed")
	ErrRequeue = errors.New("status mismatch requeue failed")
)

type StatusSyncer interface {
	SyncStatus(ctx context.Context, orderExternalID string, status domain.OrderStatus) error
}

type Requeuer interface {
	Enqueue(ctx context.Context, m domain.StatusMismatch) error
}

// Handler replays queued status mismatches against the marketplace.
// A mismatch that fails for a reason that may pass is queued again after
// delay; one that cannot pass is reported and left uncommitted.
type Handler struct {
	syncer      StatusSyncer
	requeue     Requeuer
	delay       time.Duration
	maxAttempts int
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewHandler(syncer StatusSyncer, requeue Requeuer, delay time.Duration, maxAttempts int, logger *zap.Logger) *Handler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		syncer:      syncer,
		requeue:     requeue,
		delay:       delay,
		maxAttempts: maxAttempts,
		logger:      logger,
		sleep:       retry.Sleep,
	}
}

// Handle is called by the consumer for one message.
// The consumer commits the offset itself after a nil return.
func (h *Handler) Handle(ctx context.Context, message kafkago.Message) error {
	var m domain.StatusMismatch
	if err := json.Unmarshal(message.Value, &m); err != nil {
		h.logger.Error("bad json format",
			zap.Error(err),
			zap.Int("partition", message.Partition),
			zap.Int64("offset", message.Offset),
		)
		return ErrBadJSON
	}
	m.OrderExternalID = strings.TrimSpace(m.OrderExternalID)
	if m.OrderExternalID == "" || !m.Status.Valid() {
		h.logger.Error("malformed status mismatch",
			zap.String("external_id", m.OrderExternalID),
			zap.String("status", string(m.Status)),
			zap.Int("partition", message.Partition),
			zap.Int64("offset", message.Offset),
		)
		return ErrBadJSON
	}

	err := h.syncer.SyncStatus(ctx, m.OrderExternalID, m.Status)
	if err == nil {
		h.logger.Info("status mismatch reconciled",
			zap.String("external_id", m.OrderExternalID),
			zap.String("status", string(m.Status)),
			zap.Int("attempts", m.Attempts+1),
		)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	kind := executor.KindOf(err)
	transient := executor.IsRetryable(err) || kind == executor.KindCircuitOpen
	if !transient || h.requeue == nil || m.Attempts+1 >= h.maxAttempts {
		h.logger.Error("status mismatch not reconciled",
			zap.String("external_id", m.OrderExternalID),
			zap.String("status", string(m.Status)),
			zap.Int("attempts", m.Attempts+1),
			zap.Bool("transient", transient),
			zap.Error(err),
		)
		return fmt.Errorf("%w: order %s: %v", ErrSync, m.OrderExternalID, err)
	}

	if err := h.sleep(ctx, h.delay); err != nil {
		return err
	}
	m.Attempts++
	m.Reason = err.Error()
	m.At = time.Now()
	if qerr := h.requeue.Enqueue(ctx, m); qerr != nil {
		return fmt.Errorf("%w: order %s: %v", ErrRequeue, m.OrderExternalID, qerr)
	}
	h.logger.Warn("status mismatch queued again",
		zap.String("external_id", m.OrderExternalID),
		zap.String("kind", kind.String()),
		zap.Int("attempts", m.Attempts),
	)
	return nil
}

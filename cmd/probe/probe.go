package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/marketplace"
)

type lister interface {
	ListOrders(ctx context.Context, page, size int) (marketplace.OrderPage, error)
}

// Prober fires ListOrders at a fixed rate until the marketplace answers 429,
// the request budget is spent or the duration runs out.
type Prober struct {
	client   lister
	rate     int
	requests int
	duration time.Duration
	logger   *zap.Logger

	sent   atomic.Int64
	ok     atomic.Int64
	failed atomic.Int64
}

// Report is the outcome of one probe. Throttled separates "the marketplace
// pushed back" from "nothing happened within the budget".
type Report struct {
	Sent       int64
	OK         int64
	Failed     int64
	Throttled  bool
	ThrottleAt int64
	RetryAfter time.Duration
	Elapsed    time.Duration
}

func (r Report) String() string {
	if r.Throttled {
		msg := fmt.Sprintf("429 observed at request %d after %s", r.ThrottleAt, r.Elapsed.Round(time.Millisecond))
		if r.RetryAfter > 0 {
			msg += fmt.Sprintf(", Retry-After %s", r.RetryAfter)
		}
		return msg
	}
	return fmt.Sprintf("no 429 within %d requests (%d ok, %d failed) in %s",
		r.Sent, r.OK, r.Failed, r.Elapsed.Round(time.Millisecond))
}

func NewProber(client lister, rate, requests int, duration time.Duration, logger *zap.Logger) *Prober {
	if rate <= 0 {
		rate = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		client:   client,
		rate:     rate,
		requests: requests,
		duration: duration,
		logger:   logger,
	}
}

func (p *Prober) Run(ctx context.Context) Report {
	start := time.Now()
	if p.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.duration)
		defer cancel()
	}

	ticker := time.NewTicker(time.Second / time.Duration(p.rate))
	defer ticker.Stop()

	report := func() Report {
		return Report{
			Sent:    p.sent.Load(),
			OK:      p.ok.Load(),
			Failed:  p.failed.Load(),
			Elapsed: time.Since(start),
		}
	}

	for p.requests <= 0 || p.sent.Load() < int64(p.requests) {
		select {
		case <-ctx.Done():
			return report()
		case <-ticker.C:
		}

		n := p.sent.Add(1)
		_, err := p.client.ListOrders(ctx, 0, 1)
		switch {
		case err == nil:
			p.ok.Add(1)
		case executor.KindOf(err) == executor.KindRateLimited:
			r := report()
			r.Throttled = true
			r.ThrottleAt = n
			r.RetryAfter = retryAfter(err)
			return r
		case ctx.Err() != nil:
			// cut short by the deadline
			p.sent.Add(-1)
			return report()
		default:
			p.failed.Add(1)
			p.logger.Warn("probe request failed", zap.Int64("request", n), zap.Error(err))
		}
	}
	return report()
}

func retryAfter(err error) time.Duration {
	var xerr *executor.Error
	if errors.As(err, &xerr) {
		return xerr.RetryAfter
	}
	return 0
}

package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/observability"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/retry"
)

//go:generate mockgen -source executor.go -destination=executor_mock_test.go -package=executor

// Breaker is the part of breaker.Breaker the executor drives.
type Breaker interface {
	Allow() error
	Success()
	Failure()
	Release()
}

type Option func(*Executor)

// WithAttemptTimeout bounds every single attempt. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithRetryable replaces IsRetryable as the retry predicate.
func WithRetryable(fn func(error) bool) Option {
	return func(e *Executor) { e.retryable = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithAdmission runs fn before every attempt, after the breaker admits it and
// outside the attempt timeout. Time spent waiting for admission never counts
// against the breaker.
func WithAdmission(fn func(context.Context) error) Option {
	return func(e *Executor) { e.admit = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rnd = fn }
}

// Executor runs marketplace calls under a retry policy and the shared breaker.
type Executor struct {
	breaker        Breaker
	attemptTimeout time.Duration
	retryable      func(error) bool
	logger         *zap.Logger
	metrics        observability.Metrics
	sleep          func(context.Context, time.Duration) error
	rnd            func() float64
	admit          func(context.Context) error
}

func New(brk Breaker, opts ...Option) *Executor {
	e := &Executor{
		breaker:   brk,
		retryable: IsRetryable,
		logger:    zap.NewNop(),
		metrics:   observability.NewNoop(),
		sleep:     retry.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do calls fn until it succeeds, fails permanently or the policy runs out.
// fn must perform exactly one external attempt. Failures come back as *Error;
// cancellation of ctx comes back as ctx.Err() and is never held against the
// breaker.
func (e *Executor) Do(ctx context.Context, op string, policy retry.Policy, fn func(context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.breaker.Allow(); err != nil {
			e.metrics.ObserveAttempt(op, KindCircuitOpen.String(), 0)
			e.logger.Debug("marketplace call rejected by breaker",
				zap.String("op", op),
				zap.Int("attempt", attempt),
			)
			return &Error{Kind: KindCircuitOpen, Message: "marketplace unavailable", Cause: err}
		}

		if e.admit != nil {
			if err := e.admit(ctx); err != nil {
				e.breaker.Release()
				if ctxErr := ctx.Err(); ctxErr != nil {
					e.metrics.ObserveAttempt(op, "cancelled", 0)
					return ctxErr
				}
				e.logger.Warn("marketplace call not admitted",
					zap.String("op", op),
					zap.Error(err),
				)
				return err
			}
		}

		start := time.Now()
		err := e.attempt(ctx, fn)
		dur := observability.SinceMs(start)

		if err == nil {
			e.breaker.Success()
			e.metrics.ObserveAttempt(op, "ok", dur)
			e.logger.Debug("marketplace call succeeded",
				zap.String("op", op),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			e.breaker.Release()
			e.metrics.ObserveAttempt(op, "cancelled", dur)
			return ctxErr
		}

		xerr := normalize(err)
		e.breaker.Failure()
		e.metrics.ObserveAttempt(op, xerr.Kind.String(), dur)
		e.logger.Debug("marketplace call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.String("kind", xerr.Kind.String()),
			zap.Error(xerr),
		)

		if !e.retryable(xerr) {
			e.logger.Warn("marketplace call failed permanently",
				zap.String("op", op),
				zap.String("kind", xerr.Kind.String()),
				zap.Int("status", xerr.StatusCode),
				zap.Error(xerr),
			)
			return xerr
		}
		if attempt == maxAttempts-1 {
			e.logger.Warn("marketplace call attempts exhausted",
				zap.String("op", op),
				zap.Int("attempts", maxAttempts),
				zap.String("kind", xerr.Kind.String()),
				zap.Error(xerr),
			)
			return xerr
		}

		if err := e.sleep(ctx, e.delay(policy, attempt, xerr)); err != nil {
			return err
		}
	}
}

func (e *Executor) attempt(ctx context.Context, fn func(context.Context) error) error {
	if e.attemptTimeout <= 0 {
		return fn(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Message: "attempt timed out", Cause: err}
	}
	return err
}

func (e *Executor) delay(policy retry.Policy, attempt int, xerr *Error) time.Duration {
	d := policy.Delay(attempt, e.rnd)
	if xerr.Kind == KindRateLimited && xerr.RetryAfter > d {
		d = xerr.RetryAfter
		if policy.MaxDelay > 0 && d > policy.MaxDelay {
			d = policy.MaxDelay
		}
	}
	return d
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, e *Executor, op string, policy retry.Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

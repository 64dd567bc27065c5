package ordersync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = time.Minute

var ErrSchedulerRunning = errors.New("scheduler already running")

type Syncer interface {
	SyncOnce(ctx context.Context) Result
}

// ResultHandler receives every run's result. Calls never overlap.
type ResultHandler func(ctx context.Context, res Result)

// Scheduler runs a sync on start, then on every tick and on demand.
// Runs never overlap.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	handler  ResultHandler
	logger   *zap.Logger
	trigger  chan struct{}

	// run serializes scheduled runs with RunNow
	run sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   time.Time
}

func NewScheduler(syncer Syncer, interval time.Duration, handler ResultHandler, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		handler:  handler,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.loop(ctx)
	}(s.done)

	s.logger.Info("order sync scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("order sync scheduler stopped")
}

// Trigger asks for a run as soon as the current one, if any, finishes.
// It reports false when a run is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastRun is the finish time of the latest run, zero before the first.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) loop(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

// RunNow runs a sync on the caller's goroutine and hands its result to the
// handler like a scheduled run. It waits for a run already in flight.
func (s *Scheduler) RunNow(ctx context.Context) Result {
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) Result {
	s.run.Lock()
	defer s.run.Unlock()

	res := s.syncer.SyncOnce(ctx)
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()

	if s.handler == nil {
		return res
	}
	// orders stored by a run cut short by shutdown are still handed over
	if ctx.Err() != nil {
		if len(res.NewOrders) == 0 {
			return res
		}
		ctx = context.WithoutCancel(ctx)
	}
	s.handler(ctx, res)
	return res
}

package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/TemirB/wb-delivery-sync/internal/config"
)

var ErrOpenState = errors.New("circuit breaker is open")

type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the breaker counters.
type Snapshot struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	HalfOpenSuccesses   uint32    `json:"half_open_successes"`
	LastFailure         time.Time `json:"last_failure"`
	TotalSuccess        uint64    `json:"total_success"`
	TotalFailure        uint64    `json:"total_failure"`
}

type Option func(*Breaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateHook registers fn to be called after every state change.
// fn runs outside the breaker lock.
func WithStateHook(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is the process-wide guard in front of the marketplace.
// Every read and write of its state happens under mu.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.Breaker
	now      func() time.Time
	onChange func(from, to State)

	state           State
	failCount       uint32
	halfOpenSuccess uint32
	halfOpenReq     uint32 // probes admitted in HalfOpen and not yet reported
	lastFailure     time.Time

	totalSuccess uint64
	totalFailure uint64
}

func New(cfg config.Breaker, opts ...Option) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 1
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An Open breaker whose timeout has
// elapsed moves to HalfOpen and admits the call as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	var from State
	changed := false

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return ErrOpenState
		}
		from, changed = b.state, true
		b.transitionTo(HalfOpen)
		b.halfOpenReq++
	case HalfOpen:
		if b.cfg.MaxHalfOpen > 0 && b.halfOpenReq >= b.cfg.MaxHalfOpen {
			b.mu.Unlock()
			return ErrOpenState
		}
		b.halfOpenReq++
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, HalfOpen)
	}
	return nil
}

// Success reports a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.totalSuccess++
	b.releaseProbe()

	from := b.state
	switch b.state {
	case Closed:
		b.failCount = 0
	case HalfOpen:
		b.failCount = 0
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionTo(Closed)
		}
	case Open:
		// a call admitted before the trip finished late; nothing to learn from it
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Failure reports a failed call. Failures are only counted while Closed.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.totalFailure++
	b.releaseProbe()

	from := b.state
	switch b.state {
	case Closed:
		b.failCount++
		b.lastFailure = b.now()
		if b.failCount >= b.cfg.Threshold {
			b.transitionTo(Open)
		}
	case HalfOpen:
		b.lastFailure = b.now()
		b.transitionTo(Open)
	case Open:
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Release gives back an admission without recording an outcome, used for
// calls the caller cancelled or that never went out.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.releaseProbe()
	b.mu.Unlock()
}

// Reset is the operator action that forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.transitionTo(Closed)
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.failCount,
		HalfOpenSuccesses:   b.halfOpenSuccess,
		LastFailure:         b.lastFailure,
		TotalSuccess:        b.totalSuccess,
		TotalFailure:        b.totalFailure,
	}
}

func (b *Breaker) releaseProbe() {
	if b.state == HalfOpen && b.halfOpenReq > 0 {
		b.halfOpenReq--
	}
}

func (b *Breaker) transitionTo(next State) {
	b.state = next
	b.halfOpenSuccess = 0
	b.halfOpenReq = 0
	if next == Closed {
		b.failCount = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// jitterSpread is the fraction of the computed delay that jitter may add or remove.
const jitterSpread = 0.2

var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy is an immutable backoff description shared by many calls.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func NewPolicy(maxAttempts int, initial, maxDelay time.Duration, multiplier float64, jitter bool) (Policy, error) {
	p := Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		Jitter:       jitter,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts %d < 1", ErrInvalidPolicy, p.MaxAttempts)
	case p.InitialDelay <= 0:
		return fmt.Errorf("%w: initial delay %v must be positive", ErrInvalidPolicy, p.InitialDelay)
	case p.InitialDelay > p.MaxDelay:
		return fmt.Errorf("%w: initial delay %v > max delay %v", ErrInvalidPolicy, p.InitialDelay, p.MaxDelay)
	case p.Multiplier <= 1:
		return fmt.Errorf("%w: multiplier %.2f must be > 1", ErrInvalidPolicy, p.Multiplier)
	}
	return nil
}

// Delay returns the pause after the failed attempt with the given 0-based index:
// min(InitialDelay*Multiplier^attempt, MaxDelay), optionally jittered by ±20%.
// rnd must return values in [0, 1); nil uses the package source.
func (p Policy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if ceiling := float64(p.MaxDelay); d > ceiling || math.IsInf(d, 1) || math.IsNaN(d) {
		d = ceiling
	}

	if p.Jitter {
		if rnd == nil {
			rnd = Float64
		}
		d += d * jitterSpread * (2*rnd() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Delays lists the pauses a caller would wait between all attempts of the policy.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 0; i < p.MaxAttempts-1; i++ {
		out = append(out, p.Delay(i, nil))
	}
	return out
}

var (
	srcMu sync.Mutex
	src   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Float64 is a goroutine-safe uniform source in [0, 1).
func Float64() float64 {
	srcMu.Lock()
	defer srcMu.Unlock()
	return src.Float64()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. A nil retryable retries every error.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		if serr := Sleep(ctx, policy.Delay(attempt, nil)); serr != nil {
			return serr
		}
	}
	return err
}

// Package retry schedules re-execution of operations that lost an
// optimistic-concurrency race. A conflict is a successful return value, not
// an error: the scheduler either defers the operation as a durable,
// partition-ordered task with exponential backoff, or rejects it once the
// attempt budget is spent. Errors thrown by the wrapped operation are never
// retried here.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Defaults for the backoff policy.
const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultBase         = 2.0
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 5
)

// JitterFunc returns a multiplier applied to a computed delay. It must
// return finite, strictly positive values.
type JitterFunc func() float64

// UniformJitter spreads delays by a uniform multiplier in [0.5, 1.5).
func UniformJitter() JitterFunc {
	return func() float64 { return 0.5 + rand.Float64() }
}

// ConstantJitter always returns m. ConstantJitter(1.0) disables jitter for
// deterministic tests.
func ConstantJitter(m float64) JitterFunc {
	return func() float64 { return m }
}

// Policy computes backoff delays and bounds retry attempts.
type Policy struct {
	initial     time.Duration
	base        float64
	max         time.Duration
	maxAttempts int
	jitter      JitterFunc
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithInitialDelay sets the delay of attempt 0.
func WithInitialDelay(d time.Duration) PolicyOption {
	return func(p *Policy) { p.initial = d }
}

// WithBase sets the exponential growth factor.
func WithBase(base float64) PolicyOption {
	return func(p *Policy) { p.base = base }
}

// WithMaxDelay caps the computed delay.
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *Policy) { p.max = d }
}

// WithMaxAttempts bounds how many retries are scheduled before the
// operation is rejected.
func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) { p.maxAttempts = n }
}

// WithJitter replaces the jitter function.
func WithJitter(fn JitterFunc) PolicyOption {
	return func(p *Policy) { p.jitter = fn }
}

// NewPolicy builds a validated policy. Defaults: 100ms initial delay,
// base 2, 30s cap, 5 attempts, uniform jitter in [0.5, 1.5).
func NewPolicy(opts ...PolicyOption) (*Policy, error) {
	p := &Policy{
		initial:     DefaultInitialDelay,
		base:        DefaultBase,
		max:         DefaultMaxDelay,
		maxAttempts: DefaultMaxAttempts,
		jitter:      UniformJitter(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.initial <= 0 {
		return nil, fmt.Errorf("retry: initial delay must be positive, got %v", p.initial)
	}
	if p.base <= 0 || math.IsNaN(p.base) || math.IsInf(p.base, 0) {
		return nil, fmt.Errorf("retry: base must be finite and positive, got %v", p.base)
	}
	if p.max <= 0 {
		return nil, fmt.Errorf("retry: max delay must be positive, got %v", p.max)
	}
	if p.maxAttempts <= 0 {
		return nil, fmt.Errorf("retry: max attempts must be positive, got %d", p.maxAttempts)
	}
	if p.jitter == nil {
		return nil, fmt.Errorf("retry: jitter function must not be nil")
	}
	return p, nil
}

// MaxAttempts returns the attempt budget.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Delay computes the backoff before retrying after the given attempt:
// min(max, initial * base^attempt * jitter). Attempt counts from 0.
func (p *Policy) Delay(attempt int) (time.Duration, error) {
	if attempt < 0 {
		return 0, fmt.Errorf("retry: attempt must be non-negative, got %d", attempt)
	}

	j := p.jitter()
	if j <= 0 || math.IsNaN(j) || math.IsInf(j, 0) {
		return 0, fmt.Errorf("retry: jitter multiplier must be finite and positive, got %v", j)
	}

	ms := float64(p.initial.Milliseconds()) * math.Pow(p.base, float64(attempt)) * j
	maxMs := float64(p.max.Milliseconds())
	// Large attempts overflow float range before they overflow the cap
	// comparison, so the infinity check must come first.
	if math.IsInf(ms, 1) || ms > maxMs {
		ms = maxMs
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

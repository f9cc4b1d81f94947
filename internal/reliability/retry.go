package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/relayq/relayq-go/contracts"
)

var (
	// ErrNilOperation is returned when Do is called without an operation
	ErrNilOperation = errors.New("retry: operation is nil")
)

// Options configures a retry policy. The zero value is not usable;
// construct policies through NewPolicy so invalid combinations are
// rejected up front.
type Options struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor, at least 1.0.
	Multiplier float64
	// IsRetryable classifies errors. Defaults to contracts.IsRetryable.
	IsRetryable func(error) bool
}

// DefaultOptions returns the retry configuration used when callers do
// not supply their own.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// Policy executes operations with exponential backoff and jitter.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	opts   Options
	logger *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// PolicyOption configures a Policy
type PolicyOption func(*Policy)

// WithLogger sets the logger used for per-attempt diagnostics
func WithLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) {
		p.logger = logger
	}
}

// WithRand sets the random source used for jitter. Tests inject a
// seeded source for deterministic delays.
func WithRand(r *rand.Rand) PolicyOption {
	return func(p *Policy) {
		p.rand = r
	}
}

// NewPolicy validates opts and builds a Policy. Invalid combinations
// are configuration errors, not runtime errors.
func NewPolicy(opts Options, policyOpts ...PolicyOption) (*Policy, error) {
	switch {
	case opts.MaxRetries < 0:
		return nil, contracts.NewError(contracts.KindConfiguration, "retry policy",
			fmt.Errorf("MaxRetries must not be negative, got %d", opts.MaxRetries))
	case opts.BaseDelay < 0:
		return nil, contracts.NewError(contracts.KindConfiguration, "retry policy",
			fmt.Errorf("BaseDelay must not be negative, got %v", opts.BaseDelay))
	case opts.MaxDelay < opts.BaseDelay:
		return nil, contracts.NewError(contracts.KindConfiguration, "retry policy",
			fmt.Errorf("MaxDelay %v is less than BaseDelay %v", opts.MaxDelay, opts.BaseDelay))
	case opts.Multiplier < 1.0:
		return nil, contracts.NewError(contracts.KindConfiguration, "retry policy",
			fmt.Errorf("Multiplier must be at least 1.0, got %v", opts.Multiplier))
	}

	if opts.IsRetryable == nil {
		opts.IsRetryable = contracts.IsRetryable
	}

	p := &Policy{
		opts:   opts,
		logger: slog.Default(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range policyOpts {
		opt(p)
	}

	return p, nil
}

// MaxRetries returns the configured retry budget.
func (p *Policy) MaxRetries() int {
	return p.opts.MaxRetries
}

// Do executes fn, retrying retryable failures until success, budget
// exhaustion, a non-retryable failure, or cancellation. The last error
// is returned unchanged so callers can branch on its kind. Cancellation
// takes precedence over retrying, including mid-backoff.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return contracts.NewError(contracts.KindConfiguration, "retry", ErrNilOperation)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		// Only the caller's token decides cancellation. An attempt may
		// surface context.DeadlineExceeded from its own inner deadline
		// (an http.Client timeout wraps it) and such errors stay
		// subject to the predicate.
		if ctx.Err() != nil {
			return err
		}

		if attempt >= p.opts.MaxRetries || !p.opts.IsRetryable(err) {
			return err
		}

		delay := p.NextDelay(attempt + 1)
		p.logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"maxRetries", p.opts.MaxRetries,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// NextDelay computes the backoff before the given retry attempt
// (1-indexed): exponential growth from BaseDelay, capped at MaxDelay,
// then jittered within [0.75, 1.25) of the capped value. Jitter keeps
// many clients that failed together from retrying in lockstep.
func (p *Policy) NextDelay(attempt int) time.Duration {
	exponential := float64(p.opts.BaseDelay) * math.Pow(p.opts.Multiplier, float64(attempt-1))
	if exponential > float64(p.opts.MaxDelay) {
		exponential = float64(p.opts.MaxDelay)
	}

	jittered := exponential * p.jitterFactor()
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

func (p *Policy) jitterFactor() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return 0.75 + p.rand.Float64()*0.5
}

// Execute runs fn through the policy and returns its result. This is a
// convenience wrapper for operations that return a value.
func Execute[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	var result T
	if fn == nil {
		return result, contracts.NewError(contracts.KindConfiguration, "retry", ErrNilOperation)
	}
	err := p.Do(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Package retry runs operations under a bounded retry policy.
//
// Errors are classified as non-retryable, rate-limited or transient.
// Non-retryable errors return after a single attempt. Rate-limited errors
// wait for the server's Retry-After hint when one exists. Everything else
// backs off exponentially with jitter in [0.5, 1.0] so concurrent callers
// spread out. An operation runs at most MaxRetries+1 times.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// Policy bounds one logical invocation.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Label        string
}

// DefaultPolicy returns the policy used for control-plane calls.
func DefaultPolicy(label string) Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Label:        label,
	}
}

// State is the per-invocation retry context visible to the operation.
type State struct {
	Attempt    int
	MaxRetries int
	LastError  error
}

type stateKey struct{}

// StateFrom returns the retry state of the current attempt.
func StateFrom(ctx context.Context) State {
	s, _ := ctx.Value(stateKey{}).(State)
	return s
}

// Engine carries the side effects of retrying so tests can replace them.
type Engine struct {
	// Sleep waits for d or until ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a uniform value in [0, 1).
	Jitter func() float64
	Logger *logging.Logger
}

// Default is used by Run.
var Default = &Engine{}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e != nil && e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) jitter() float64 {
	if e != nil && e.Jitter != nil {
		return e.Jitter()
	}
	return rand.Float64()
}

// Delay computes the wait before the retry that follows attempt (0-based).
func (e *Engine) Delay(p Policy, attempt int, c Classification) time.Duration {
	if c.Class == RateLimited && (c.HasRetryAfter || c.RetryAfter > 0) {
		return c.RetryAfter
	}

	base := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	factor := 0.5 + 0.5*e.jitter()
	return time.Duration(base * factor)
}

// Run executes op under p using the Default engine.
func Run[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	return Do(ctx, Default, p, op)
}

// Do executes op under p using engine e.
func Do[T any](ctx context.Context, e *Engine, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var logger *logging.Logger
	if e != nil {
		logger = e.Logger
	}

	state := State{MaxRetries: p.MaxRetries}
	for attempt := 0; ; attempt++ {
		state.Attempt = attempt
		result, err := op(context.WithValue(ctx, stateKey{}, state))
		if err == nil {
			return result, nil
		}
		state.LastError = err

		c := Classify(err)
		metrics.RecordRetry(p.Label, c.Class.String())

		if c.Class == NonRetryable {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			logger.Warn("%s: giving up after %d attempts: %v", p.Label, attempt+1, err)
			return zero, err
		}

		delay := e.Delay(p, attempt, c)
		logger.Debug("%s: attempt %d/%d failed (%s), retrying in %s: %v",
			p.Label, attempt+1, p.MaxRetries+1, c.Class, delay, err)

		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("%s: %w while waiting to retry: %v (last error: %v)",
				p.Label, transport.ErrCancelled, serr, err)
		}
	}
}

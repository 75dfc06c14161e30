// Package gate bounds how many calls to a shared downstream run at once.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// DefaultAIConcurrency is the permit count for the AI invocation path.
const DefaultAIConcurrency = 2

// Gate is a counting semaphore. Waiters are admitted in FIFO order and a
// permit is always released when the guarded function returns or panics.
type Gate struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

// New creates a gate with n permits. n < 1 is treated as 1.
func New(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Size returns the number of permits.
func (g *Gate) Size() int { return int(g.size) }

// InFlight returns the number of functions currently holding a permit.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Run waits for a permit, runs fn and releases the permit. If ctx ends while
// waiting, fn is not run and the error wraps transport.ErrCancelled.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for a concurrency permit: %w", transport.ErrCancelled, err)
	}
	g.inFlight.Add(1)
	metrics.GateAcquired(time.Since(start).Seconds())
	defer func() {
		g.inFlight.Add(-1)
		metrics.GateReleased()
		g.sem.Release(1)
	}()

	return fn(ctx)
}

// Do is Run for functions that return a value.
func Do[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

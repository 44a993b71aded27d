// ABOUTME: Global admission gate bounding concurrent outbound provider requests
// ABOUTME: Wraps a weighted semaphore with idempotent tickets

package throttle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Throttler bounds the number of simultaneously outstanding provider
// requests system-wide. Admission blocks until capacity frees up or the
// context is cancelled; wake order follows the semaphore's FIFO queue.
type Throttler struct {
	sem      *semaphore.Weighted
	capacity int64
}

// New creates a throttler with the given capacity. Capacity must be positive.
func New(capacity int) (*Throttler, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("throttle capacity must be positive, got %d", capacity)
	}
	return &Throttler{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// Capacity returns the configured admission limit
func (t *Throttler) Capacity() int {
	return int(t.capacity)
}

// Admit blocks until a unit of capacity is available, then returns a
// ticket for it. Returns the context's error if ctx is done first.
func (t *Throttler) Admit(ctx context.Context) (*Ticket, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Ticket{throttler: t}, nil
}

// Ticket is one unit of outbound capacity. Release must run on every
// exit path; it is safe to call more than once.
type Ticket struct {
	throttler *Throttler
	once      sync.Once
}

// Release returns the capacity unit. Idempotent.
func (tk *Ticket) Release() {
	tk.once.Do(func() {
		tk.throttler.sem.Release(1)
	})
}

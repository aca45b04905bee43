package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds intra-stage concurrency with a resizable semaphore.
// The semaphore is allocated at MaxWorkers weight; resizing to n workers
// permanently reserves (max - n) weight, so the target applies as a
// concurrency adjustment rather than an absolute goroutine count.
type WorkerPool struct {
	max int64
	sem *semaphore.Weighted

	mu       sync.Mutex
	target   int64
	reserved int64

	waiting atomic.Int64
	active  atomic.Int64
}

// NewWorkerPool creates a pool with the given maximum concurrency, initially
// targeting max.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		max:    int64(maxWorkers),
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		target: int64(maxWorkers),
	}
}

// Acquire blocks until a worker slot is free or the context is done.
func (p *WorkerPool) Acquire(ctx context.Context) error {
	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	return nil
}

// Release frees a worker slot.
func (p *WorkerPool) Release() {
	p.active.Add(-1)
	p.sem.Release(1)
}

// Go runs fn on a pool slot, releasing it when fn returns.
func (p *WorkerPool) Go(ctx context.Context, wg *sync.WaitGroup, fn func()) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.Release()
		fn()
	}()
	return nil
}

// Resize adjusts the effective concurrency to n, clamped to [1, max].
// Shrinking blocks until enough slots drain, or the context is done.
func (p *WorkerPool) Resize(ctx context.Context, n int) error {
	target := int64(n)
	if target < 1 {
		target = 1
	}
	if target > p.max {
		target = p.max
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wantReserved := p.max - target
	switch {
	case wantReserved > p.reserved:
		if err := p.sem.Acquire(ctx, wantReserved-p.reserved); err != nil {
			return err
		}
	case wantReserved < p.reserved:
		p.sem.Release(p.reserved - wantReserved)
	}
	p.reserved = wantReserved
	p.target = target
	return nil
}

// Target returns the current effective concurrency.
func (p *WorkerPool) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.target)
}

// Active returns the number of slots currently held.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// QueueDepth returns the number of callers blocked in Acquire. The
// auto-scaler reads this as its "work is queued" signal.
func (p *WorkerPool) QueueDepth() int {
	return int(p.waiting.Load())
}

// Governor ties a monitor, scaler and pool together: on each tick it feeds
// the pool's queue depth to the scaler and applies the new target.
type Governor struct {
	Monitor *MemoryMonitor
	Scaler  *AutoScaler
	Pool    *WorkerPool
}

// Run applies scaler ticks to the pool every interval until ctx is done.
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			target := g.Scaler.Tick(g.Pool.QueueDepth())
			// Best effort: a cancelled resize just means shutdown.
			_ = g.Pool.Resize(ctx, target)
		}
	}
}

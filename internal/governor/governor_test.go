package governor

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = 1 << 30

// fakeHeap pins the monitor's heap sample to a fixed value.
func fakeHeap(m *MemoryMonitor, heapAlloc uint64) {
	m.readMemStats = func(ms *runtime.MemStats) {
		ms.HeapAlloc = heapAlloc
		ms.HeapSys = heapAlloc
	}
}

func testMonitor(limit, heapAlloc uint64) *MemoryMonitor {
	m := NewMemoryMonitor(MemoryConfig{LimitBytes: limit})
	fakeHeap(m, heapAlloc)
	return m
}

func TestInitialTarget(t *testing.T) {
	tests := []struct {
		name       string
		available  uint64
		aggressive bool
		want       int
	}{
		{"tiny machine", 512 << 20, false, 1},
		{"one gigabyte", 1 * gib, false, 1},
		{"two and a half gigabytes", 5 * gib / 2, false, 2},
		{"four gigabytes", 4 * gib, false, 4},
		{"eight gigabytes", 8 * gib, false, 12},
		{"sixteen gigabytes", 16 * gib, false, 28},
		{"twenty gigabytes", 20 * gib, false, 34},
		{"aggressive doubles down", 8 * gib, true, 18},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, initialTarget(tt.available, tt.aggressive))
		})
	}
}

func TestNewAutoScaler_ClampsInitialTarget(t *testing.T) {
	monitor := testMonitor(gib, 0)

	s := NewAutoScaler(ScalerConfig{MinWorkers: 2, MaxWorkers: 8}, monitor, 64*gib)
	assert.Equal(t, 8, s.Target())

	s = NewAutoScaler(ScalerConfig{MinWorkers: 4, MaxWorkers: 16}, monitor, 512<<20)
	assert.Equal(t, 4, s.Target())
}

func TestAutoScaler_TickScalesDownUnderPressure(t *testing.T) {
	monitor := testMonitor(gib, 0)
	s := NewAutoScaler(ScalerConfig{MinWorkers: 1, MaxWorkers: 32}, monitor, 8*gib)
	require.Equal(t, 12, s.Target())

	// 85% of the limit: gentle shrink.
	fakeHeap(monitor, 85*gib/100)
	assert.Equal(t, 9, s.Tick(0))

	// 95% of the limit: halve.
	fakeHeap(monitor, 95*gib/100)
	assert.Equal(t, 4, s.Tick(0))
}

func TestAutoScaler_TickFloorsAtMinWorkers(t *testing.T) {
	monitor := testMonitor(gib, 95*gib/100)
	s := NewAutoScaler(ScalerConfig{MinWorkers: 2, MaxWorkers: 32}, monitor, 2*gib)

	for i := 0; i < 5; i++ {
		s.Tick(0)
	}
	assert.Equal(t, 2, s.Target())
}

func TestAutoScaler_TickScalesUpOnlyWithQueuedWork(t *testing.T) {
	monitor := testMonitor(gib, 30*gib/100)
	s := NewAutoScaler(ScalerConfig{MinWorkers: 1, MaxWorkers: 32}, monitor, 8*gib)
	require.Equal(t, 12, s.Target())

	// Low pressure but an idle queue: hold steady.
	assert.Equal(t, 12, s.Tick(0))

	// Queued work: grow by a quarter, rounded up.
	assert.Equal(t, 15, s.Tick(3))

	// Ceiling at MaxWorkers.
	for i := 0; i < 10; i++ {
		s.Tick(3)
	}
	assert.Equal(t, 32, s.Target())
}

func TestAutoScaler_TickAggressiveGrowth(t *testing.T) {
	monitor := testMonitor(gib, 30*gib/100)
	s := NewAutoScaler(ScalerConfig{MinWorkers: 1, MaxWorkers: 64, Aggressive: true}, monitor, 4*gib)
	require.Equal(t, 6, s.Target())

	assert.Equal(t, 9, s.Tick(1))
}

func TestAutoScaler_TickHoldsInComfortBand(t *testing.T) {
	monitor := testMonitor(gib, 65*gib/100)
	s := NewAutoScaler(ScalerConfig{MinWorkers: 1, MaxWorkers: 32}, monitor, 8*gib)

	assert.Equal(t, 12, s.Tick(5))
}

func TestMemoryMonitor_Thresholds(t *testing.T) {
	m := testMonitor(gib, 50*gib/100)
	assert.False(t, m.IsWarning())
	assert.False(t, m.IsCritical())

	fakeHeap(m, 75*gib/100)
	assert.True(t, m.IsWarning())
	assert.False(t, m.IsCritical())

	fakeHeap(m, 90*gib/100)
	assert.True(t, m.IsWarning())
	assert.True(t, m.IsCritical())
}

func TestMemoryMonitor_Ratio(t *testing.T) {
	m := testMonitor(4*gib, gib)
	assert.InDelta(t, 0.25, m.Ratio(), 0.001)
}

func TestMemoryMonitor_ApplyBackpressureBelowWarning(t *testing.T) {
	m := testMonitor(gib, 10*gib/100)

	start := time.Now()
	err := m.ApplyBackpressure(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryMonitor_ApplyBackpressureCancellable(t *testing.T) {
	m := testMonitor(gib, 95*gib/100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.ApplyBackpressure(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryMonitor_RecommendBatchSize(t *testing.T) {
	m := testMonitor(gib, 512<<20)

	// 512MB headroom, 1MB files at 4x multiplier: 128 items, capped at 64.
	assert.Equal(t, 64, m.RecommendBatchSize(1<<20, 4, 64))

	// Same headroom, capped by the computed batch instead.
	assert.Equal(t, 128, m.RecommendBatchSize(1<<20, 4, 1000))

	// No headroom left: minimum batch of one.
	fakeHeap(m, gib)
	assert.Equal(t, 1, m.RecommendBatchSize(1<<20, 4, 64))
}

func TestMemoryMonitor_RecommendBatchSizeDegenerateInputs(t *testing.T) {
	m := testMonitor(gib, 0)

	assert.Equal(t, 64, m.RecommendBatchSize(0, 4, 64))
	assert.Equal(t, 64, m.RecommendBatchSize(1<<20, 0, 64))
	assert.Equal(t, 1, m.RecommendBatchSize(1<<20, 4, 0))
}

func TestWorkerPool_AcquireRelease(t *testing.T) {
	p := NewWorkerPool(2)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))
	assert.Equal(t, 2, p.Active())

	p.Release()
	assert.Equal(t, 1, p.Active())
	p.Release()
	assert.Equal(t, 0, p.Active())
}

func TestWorkerPool_AcquireBlocksWhenFull(t *testing.T) {
	p := NewWorkerPool(1)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release()
}

func TestWorkerPool_ResizeShrinksConcurrency(t *testing.T) {
	p := NewWorkerPool(4)
	ctx := context.Background()

	require.NoError(t, p.Resize(ctx, 2))
	assert.Equal(t, 2, p.Target())

	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Acquire(shortCtx), context.DeadlineExceeded)

	// Growing back frees slots immediately.
	require.NoError(t, p.Resize(ctx, 4))
	require.NoError(t, p.Acquire(ctx))

	p.Release()
	p.Release()
	p.Release()
}

func TestWorkerPool_ResizeClamps(t *testing.T) {
	p := NewWorkerPool(4)
	ctx := context.Background()

	require.NoError(t, p.Resize(ctx, 0))
	assert.Equal(t, 1, p.Target())

	require.NoError(t, p.Resize(ctx, 100))
	assert.Equal(t, 4, p.Target())
}

func TestWorkerPool_Go(t *testing.T) {
	p := NewWorkerPool(2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0

	for i := 0; i < 5; i++ {
		err := p.Go(context.Background(), &wg, func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, 5, ran)
	assert.Equal(t, 0, p.Active())
}

func TestWorkerPool_QueueDepth(t *testing.T) {
	p := NewWorkerPool(1)
	require.NoError(t, p.Acquire(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Acquire(context.Background())
		p.Release()
	}()

	assert.Eventually(t, func() bool {
		return p.QueueDepth() == 1
	}, time.Second, 5*time.Millisecond)

	p.Release()
	<-done
	assert.Equal(t, 0, p.QueueDepth())
}

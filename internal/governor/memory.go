// Package governor keeps the indexing pipeline inside its memory budget.
// The memory monitor turns heap pressure into backpressure at call sites;
// the auto-scaler turns it into worker pool resizes.
package governor

import (
	"context"
	"runtime"
	"time"

	"github.com/quarry-labs/quarry/internal/logger"
)

// Default pressure thresholds as fractions of the configured limit.
const (
	DefaultWarningThreshold  = 0.70
	DefaultCriticalThreshold = 0.85

	warningPause  = 100 * time.Millisecond
	criticalPause = 500 * time.Millisecond
)

// MemoryConfig configures a MemoryMonitor.
type MemoryConfig struct {
	// LimitBytes is the memory budget the monitor measures against.
	// Zero defaults to 1GB.
	LimitBytes uint64

	// WarningThreshold and CriticalThreshold are fractions of LimitBytes.
	// Zero values take the defaults (0.70 / 0.85).
	WarningThreshold  float64
	CriticalThreshold float64
}

// MemoryStats is a point-in-time heap snapshot. Never persisted.
type MemoryStats struct {
	HeapUsed  uint64
	HeapTotal uint64
	Limit     uint64
	Percent   float64
}

// MemoryMonitor samples heap usage against a configured limit and applies
// backpressure when the pipeline approaches it.
type MemoryMonitor struct {
	limit    uint64
	warning  float64
	critical float64

	// readMemStats is swappable for tests.
	readMemStats func(*runtime.MemStats)
}

// NewMemoryMonitor creates a monitor from the config, filling defaults.
func NewMemoryMonitor(cfg MemoryConfig) *MemoryMonitor {
	if cfg.LimitBytes == 0 {
		cfg.LimitBytes = 1 << 30
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultCriticalThreshold
	}
	return &MemoryMonitor{
		limit:        cfg.LimitBytes,
		warning:      cfg.WarningThreshold,
		critical:     cfg.CriticalThreshold,
		readMemStats: runtime.ReadMemStats,
	}
}

// Stats samples the heap.
func (m *MemoryMonitor) Stats() MemoryStats {
	var ms runtime.MemStats
	m.readMemStats(&ms)

	return MemoryStats{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		Limit:     m.limit,
		Percent:   float64(ms.HeapAlloc) / float64(m.limit),
	}
}

// Ratio returns heap usage as a fraction of the limit.
func (m *MemoryMonitor) Ratio() float64 {
	return m.Stats().Percent
}

// IsWarning reports whether usage exceeds the warning threshold.
func (m *MemoryMonitor) IsWarning() bool {
	return m.Ratio() >= m.warning
}

// IsCritical reports whether usage exceeds the critical threshold.
func (m *MemoryMonitor) IsCritical() bool {
	return m.Ratio() >= m.critical
}

// ApplyBackpressure is the single blocking call sites use when producing
// work. Above critical it runs an aggressive multi-pass collection cycle
// and pauses 500ms; above warning it runs one pass and pauses 100ms;
// otherwise it returns immediately. Pauses are cancellable.
func (m *MemoryMonitor) ApplyBackpressure(ctx context.Context) error {
	ratio := m.Ratio()

	switch {
	case ratio >= m.critical:
		logger.Warn("Memory critical (%.0f%%), applying aggressive backpressure", ratio*100)
		runtime.GC()
		runtime.GC()
		return sleep(ctx, criticalPause)

	case ratio >= m.warning:
		logger.Debug("Memory warning (%.0f%%), applying backpressure", ratio*100)
		runtime.GC()
		return sleep(ctx, warningPause)

	default:
		return nil
	}
}

// RecommendBatchSize bounds a batch adaptively: available headroom divided
// by the estimated per-item memory cost, clamped to [1, maxBatchSize].
func (m *MemoryMonitor) RecommendBatchSize(fileSize int64, memoryMultiplier float64, maxBatchSize int) int {
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}
	if fileSize <= 0 || memoryMultiplier <= 0 {
		return maxBatchSize
	}

	stats := m.Stats()
	headroom := int64(stats.Limit) - int64(stats.HeapUsed)
	if headroom <= 0 {
		return 1
	}

	perItem := float64(fileSize) * memoryMultiplier
	batch := int(float64(headroom) / perItem)
	if batch < 1 {
		return 1
	}
	if batch > maxBatchSize {
		return maxBatchSize
	}
	return batch
}

// sleep pauses for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

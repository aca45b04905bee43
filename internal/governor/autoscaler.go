package governor

import (
	"math"

	"github.com/quarry-labs/quarry/internal/logger"
)

// Default auto-scaler thresholds as memory ratios.
const (
	DefaultScaleUpThreshold   = 0.50
	DefaultScaleDownThreshold = 0.80

	// severeRatio triggers halving instead of the gentler 0.75 factor.
	severeRatio = 0.90
)

// ScalerConfig configures an AutoScaler.
type ScalerConfig struct {
	// MinWorkers and MaxWorkers clamp every computed target.
	MinWorkers int
	MaxWorkers int

	// ScaleUpThreshold: below this memory ratio, and with work queued,
	// the target grows. Zero defaults to 0.50.
	ScaleUpThreshold float64

	// ScaleDownThreshold: above this memory ratio the target shrinks.
	// Zero defaults to 0.80.
	ScaleDownThreshold float64

	// Aggressive boosts the initial target and growth factor by 1.5x.
	Aggressive bool
}

// ScalerStats is a point-in-time snapshot of the scaler. Never persisted.
type ScalerStats struct {
	Current int
	Target  int
}

// AutoScaler computes a target worker count from memory pressure and queue
// state. The target is applied to the pool as a resize, so the pool stays
// free to implement it as a semaphore adjustment.
type AutoScaler struct {
	cfg     ScalerConfig
	monitor *MemoryMonitor
	target  int
}

// NewAutoScaler creates a scaler whose initial target is derived from the
// available memory bands:
//
//	<=1GB  -> 1 worker
//	1-4GB  -> floor(GB)
//	4-16GB -> 4 + floor((GB-4)*2)
//	>16GB  -> 28 + floor((GB-16)*1.5)
func NewAutoScaler(cfg ScalerConfig, monitor *MemoryMonitor, availableBytes uint64) *AutoScaler {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = DefaultScaleUpThreshold
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = DefaultScaleDownThreshold
	}

	s := &AutoScaler{cfg: cfg, monitor: monitor}
	s.target = s.clamp(initialTarget(availableBytes, cfg.Aggressive))
	logger.Debug("Auto-scaler initial target: %d workers (%.1fGB available)",
		s.target, float64(availableBytes)/(1<<30))
	return s
}

// initialTarget applies the banded rules to the available memory.
func initialTarget(availableBytes uint64, aggressive bool) int {
	gb := float64(availableBytes) / (1 << 30)

	var target int
	switch {
	case gb <= 1:
		target = 1
	case gb <= 4:
		target = int(math.Floor(gb))
	case gb <= 16:
		target = 4 + int(math.Floor((gb-4)*2))
	default:
		target = 28 + int(math.Floor((gb-16)*1.5))
	}

	if aggressive {
		target = int(float64(target) * 1.5)
	}
	return target
}

// Target returns the current target worker count.
func (s *AutoScaler) Target() int {
	return s.target
}

// Stats returns the scaler snapshot given the pool's current concurrency.
func (s *AutoScaler) Stats(current int) ScalerStats {
	return ScalerStats{Current: current, Target: s.target}
}

// Tick recomputes the target from the current memory ratio and queue depth
// and returns it. High memory pressure shrinks the target multiplicatively;
// low pressure with queued work grows it.
func (s *AutoScaler) Tick(queueDepth int) int {
	ratio := s.monitor.Ratio()

	switch {
	case ratio >= s.cfg.ScaleDownThreshold:
		factor := 0.75
		if ratio > severeRatio {
			factor = 0.5
		}
		next := int(float64(s.target) * factor)
		s.target = s.clamp(next)
		logger.Debug("Auto-scaler scale down: ratio=%.2f target=%d", ratio, s.target)

	case ratio < s.cfg.ScaleUpThreshold && queueDepth > 0:
		factor := 1.25
		if s.cfg.Aggressive {
			factor = 1.5
		}
		next := int(math.Ceil(float64(s.target) * factor))
		s.target = s.clamp(next)
		logger.Debug("Auto-scaler scale up: ratio=%.2f queued=%d target=%d", ratio, queueDepth, s.target)
	}

	return s.target
}

// clamp bounds a target to [MinWorkers, MaxWorkers].
func (s *AutoScaler) clamp(n int) int {
	if n < s.cfg.MinWorkers {
		return s.cfg.MinWorkers
	}
	if n > s.cfg.MaxWorkers {
		return s.cfg.MaxWorkers
	}
	return n
}

// Package ratelimit enforces provider-specific token and request budgets
// for outbound embedding and LLM calls. Budgets come from named presets; a
// token-bucket limiter paces requests and estimated token spend, and a
// strategy decides what to do when the budget is exhausted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/logger"
)

// Strategy names what a limiter does when capacity is exhausted.
type Strategy string

const (
	// StrategyWait blocks until capacity frees.
	StrategyWait Strategy = "wait"

	// StrategyBackoff retries with exponential delay on provider
	// rate-limit errors.
	StrategyBackoff Strategy = "backoff"

	// StrategyQueue serializes excess requests.
	StrategyQueue Strategy = "queue"
)

// charsPerToken is the conservative over-estimate used when a provider has
// no native token counter: ~1 token per 3.5 characters.
const charsPerToken = 3.5

// Backoff parameters for StrategyBackoff.
const (
	backoffBase       = 500 * time.Millisecond
	backoffMax        = 30 * time.Second
	backoffMultiplier = 2.0
	maxBackoffRetries = 5
)

// Preset is one provider's budget.
type Preset struct {
	// Name identifies the preset ("openai", "local").
	Name string

	// TokensPerMinute caps estimated token spend. Zero disables.
	TokensPerMinute int

	// RequestsPerMinute and RequestsPerSecond cap request rate. At most
	// one should be set; zero disables.
	RequestsPerMinute int
	RequestsPerSecond int

	// MaxTokensPerRequest caps a single request's token estimate.
	MaxTokensPerRequest int

	// MaxInputsPerBatch caps the number of texts per embedding call.
	MaxInputsPerBatch int

	// MaxConcurrentRequests caps in-flight requests. Zero disables.
	MaxConcurrentRequests int

	// SafetyMargin in (0, 1] scales every numeric limit down.
	// Zero defaults to 1.
	SafetyMargin float64

	// Strategy decides behaviour at the limit. Empty defaults to wait.
	Strategy Strategy
}

// DefaultPresets are conservative budgets for the built-in providers.
var DefaultPresets = map[string]Preset{
	"openai": {
		Name:                  "openai",
		TokensPerMinute:       1_000_000,
		RequestsPerMinute:     3_000,
		MaxTokensPerRequest:   8_191,
		MaxInputsPerBatch:     2_048,
		MaxConcurrentRequests: 8,
		SafetyMargin:          0.9,
		Strategy:              StrategyBackoff,
	},
	"local": {
		Name:                  "local",
		RequestsPerSecond:     20,
		MaxInputsPerBatch:     64,
		MaxConcurrentRequests: 2,
		SafetyMargin:          1.0,
		Strategy:              StrategyWait,
	},
	"deterministic": {
		Name:         "deterministic",
		SafetyMargin: 1.0,
		Strategy:     StrategyWait,
	},
}

// RateLimitError is returned by providers on HTTP 429. RetryAfter carries
// the server's hint when present; zero means "use exponential backoff".
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// Unwrap makes errors.Is(err, domain.ErrRateLimited) hold.
func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// EstimateTokens over-estimates the token cost of the texts.
func EstimateTokens(texts []string) int {
	chars := 0
	for _, t := range texts {
		chars += len(t)
	}
	return int(math.Ceil(float64(chars) / charsPerToken))
}

// Limiter enforces one preset's budget.
type Limiter struct {
	preset Preset

	requests *rate.Limiter
	tokens   *rate.Limiter
	inflight *semaphore.Weighted

	// queueMu serializes callers under StrategyQueue.
	queueMu sync.Mutex

	// retryAt is the earliest next attempt after a provider 429.
	mu      sync.Mutex
	retryAt time.Time
}

// New creates a limiter for the preset, applying the safety margin to every
// numeric limit.
func New(preset Preset) *Limiter {
	margin := preset.SafetyMargin
	if margin <= 0 || margin > 1 {
		margin = 1
	}
	if preset.Strategy == "" {
		preset.Strategy = StrategyWait
	}

	scale := func(n int) int {
		if n <= 0 {
			return 0
		}
		scaled := int(float64(n) * margin)
		if scaled < 1 {
			scaled = 1
		}
		return scaled
	}

	preset.TokensPerMinute = scale(preset.TokensPerMinute)
	preset.RequestsPerMinute = scale(preset.RequestsPerMinute)
	preset.RequestsPerSecond = scale(preset.RequestsPerSecond)
	preset.MaxTokensPerRequest = scale(preset.MaxTokensPerRequest)
	preset.MaxInputsPerBatch = scale(preset.MaxInputsPerBatch)
	preset.MaxConcurrentRequests = scale(preset.MaxConcurrentRequests)

	l := &Limiter{preset: preset}

	switch {
	case preset.RequestsPerSecond > 0:
		l.requests = rate.NewLimiter(rate.Limit(preset.RequestsPerSecond), preset.RequestsPerSecond)
	case preset.RequestsPerMinute > 0:
		perSec := float64(preset.RequestsPerMinute) / 60.0
		burst := preset.RequestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
		l.requests = rate.NewLimiter(rate.Limit(perSec), burst)
	}

	if preset.TokensPerMinute > 0 {
		perSec := float64(preset.TokensPerMinute) / 60.0
		l.tokens = rate.NewLimiter(rate.Limit(perSec), preset.TokensPerMinute)
	}

	if preset.MaxConcurrentRequests > 0 {
		l.inflight = semaphore.NewWeighted(int64(preset.MaxConcurrentRequests))
	}

	return l
}

// FromPreset builds a limiter from a named default preset.
func FromPreset(name string) (*Limiter, error) {
	preset, ok := DefaultPresets[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rate limit preset %q", domain.ErrInvalidConfig, name)
	}
	return New(preset), nil
}

// MaxBatchInputs returns the margin-adjusted batch input cap, or 0 when the
// preset does not constrain batch size.
func (l *Limiter) MaxBatchInputs() int { return l.preset.MaxInputsPerBatch }

// MaxRequestTokens returns the margin-adjusted per-request token cap, or 0.
func (l *Limiter) MaxRequestTokens() int { return l.preset.MaxTokensPerRequest }

// Strategy returns the preset's strategy.
func (l *Limiter) Strategy() Strategy { return l.preset.Strategy }

// RecordRateLimitError records a provider 429 so subsequent waits honour
// the server's Retry-After hint.
func (l *Limiter) RecordRateLimitError(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryAt = time.Now().Add(retryAfter)
}

// wait blocks until the budget admits a request costing tokens.
func (l *Limiter) wait(ctx context.Context, tokens int) error {
	// Honour any pending backoff from a previous 429 first.
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if until := time.Until(retryAt); until > 0 {
		logger.Debug("Rate limiter %s: honouring retry-after for %s", l.preset.Name, until)
		timer := time.NewTimer(until)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return err
		}
	}

	if l.tokens != nil && tokens > 0 {
		n := tokens
		if n > l.tokens.Burst() {
			n = l.tokens.Burst()
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}

	return nil
}

// Do runs fn under the preset's budget and strategy. The tokens argument is
// the request's estimated token cost.
func (l *Limiter) Do(ctx context.Context, tokens int, fn func() error) error {
	if l.preset.MaxTokensPerRequest > 0 && tokens > l.preset.MaxTokensPerRequest {
		return fmt.Errorf("%w: request of ~%d tokens exceeds limit %d",
			domain.ErrInvalidInput, tokens, l.preset.MaxTokensPerRequest)
	}

	if l.preset.Strategy == StrategyQueue {
		l.queueMu.Lock()
		defer l.queueMu.Unlock()
	}

	if l.inflight != nil {
		if err := l.inflight.Acquire(ctx, 1); err != nil {
			return err
		}
		defer l.inflight.Release(1)
	}

	if l.preset.Strategy != StrategyBackoff {
		if err := l.wait(ctx, tokens); err != nil {
			return err
		}
		return fn()
	}

	// Backoff strategy: retry provider rate-limit errors with exponential
	// delay, honouring Retry-After when the provider supplies it.
	delay := backoffBase
	var lastErr error

	for attempt := 0; attempt <= maxBackoffRetries; attempt++ {
		if err := l.wait(ctx, tokens); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrRateLimited) {
			return err
		}
		lastErr = err

		pause := delay
		var rle *RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			pause = rle.RetryAfter
		}
		l.RecordRateLimitError(pause)
		logger.Debug("Rate limiter %s: 429 on attempt %d, retrying in %s", l.preset.Name, attempt+1, pause)

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * backoffMultiplier)
		if delay > backoffMax {
			delay = backoffMax
		}
	}

	return fmt.Errorf("rate limit retries exhausted: %w", lastErr)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

// RetryAdapter retries opening a stream. Failures after the first token are
// not retried.
type RetryAdapter struct {
	inner LLMAdapter
	cfg   RetryConfig
	mu    sync.Mutex
	rng   *rand.Rand
}

func NewRetryAdapter(inner LLMAdapter, cfg RetryConfig) *RetryAdapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &RetryAdapter{inner: inner, cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (a *RetryAdapter) Name() string { return a.inner.Name() }

func (a *RetryAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	var lastErr error
	for i := 0; i < a.cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ch, err := a.inner.Stream(ctx, input)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !a.cfg.IsRetryable(err) || i == a.cfg.MaxAttempts-1 {
			break
		}
		a.cfg.Sleep(a.delay(i))
	}
	return nil, fmt.Errorf("llm retry failed: %w", lastErr)
}

func (a *RetryAdapter) delay(attempt int) time.Duration {
	d := time.Duration(float64(a.cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	if a.cfg.Jitter > 0 {
		a.mu.Lock()
		j := time.Duration(float64(d) * a.cfg.Jitter * a.rng.Float64())
		a.mu.Unlock()
		return d + j
	}
	return d
}

// DefaultIsRetryable retries everything except cancellation and rate limits.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !resilience.IsRateLimit(err)
}

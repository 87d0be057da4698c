package llm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callscript/pkg/metrics"
	"github.com/harunnryd/callscript/pkg/resilience"
)

// CircuitBreakerAdapter stops asking the provider for turns after repeated
// rate limits. While open, every turn fails at once and the script gate
// falls back to the required line.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	tripped atomic.Bool
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	if a.breaker.Open() {
		a.transition(true)
		a.emit(metrics.EventBreakerDenied)
		return nil, resilience.RateLimitError{Provider: a.Name(), Message: "llm circuit open"}
	}
	a.transition(false)

	tokens, err := a.inner.Stream(ctx, input)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.emit(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
		return nil, err
	}
	a.breaker.OnSuccess()
	return tokens, nil
}

// transition records breaker_open or breaker_close when the state flips.
func (a *CircuitBreakerAdapter) transition(open bool) {
	if a.tripped.Swap(open) == open {
		return
	}
	if open {
		a.emit(metrics.EventBreakerOpen)
	} else {
		a.emit(metrics.EventBreakerClose)
	}
}

func (a *CircuitBreakerAdapter) emit(name string) {
	metrics.Emit(a.obs, name, 0, map[string]string{
		metrics.TagProvider:  a.inner.Name(),
		metrics.TagComponent: "llm",
	})
}

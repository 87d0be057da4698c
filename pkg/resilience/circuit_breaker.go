package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is a provider throttle: HTTP 429 or a vendor message that
// means the same. RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RateLimitFromResponse builds a RateLimitError from a 429 response.
func RateLimitFromResponse(provider string, resp *http.Response, message string) RateLimitError {
	if message == "" {
		message = resp.Status
	}
	return RateLimitError{
		Provider:   provider,
		Message:    message,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker refuses calls after threshold consecutive rate limits.
// Once the cooldown passes, a single trial call is let through: success
// closes the breaker, another rate limit opens it again. Other errors do
// not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Open reports whether a call made now would be refused.
func (c *CircuitBreaker) Open() bool {
	return !c.Allow()
}

// Allow reports whether a call may proceed. In the half-open state only the
// first caller is allowed until that trial reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		if c.now().Before(c.openUntil) {
			return false
		}
		c.state = breakerHalfOpen
		return true
	case breakerHalfOpen:
		return false
	}
	return true
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = breakerClosed
	c.failures = 0
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		c.mu.Lock()
		if c.state == breakerHalfOpen {
			c.state = breakerClosed
		}
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.state != breakerHalfOpen && c.failures < c.threshold {
		return
	}
	cooldown := c.cooldown
	if rl.RetryAfter > cooldown {
		cooldown = rl.RetryAfter
	}
	c.state = breakerOpen
	c.openUntil = c.now().Add(cooldown)
}

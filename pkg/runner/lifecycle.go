package runner

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrDrainTimeout   = errors.New("runner: drain timeout")
	ErrAlreadyStarted = errors.New("runner: already started")
)

// LifecycleRunner keeps the process in Running until its context ends or
// Stop is called. Shutdown then hands the drainer a deadline and runs the
// stop hook once.
type LifecycleRunner struct {
	mu    sync.Mutex
	state State

	hooks   Hooks
	drainer Drainer
	timeout time.Duration

	stopping chan struct{}
	once     sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:    StateNew,
		hooks:    hooks,
		drainer:  drainer,
		timeout:  timeout,
		stopping: make(chan struct{}),
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.state != StateNew {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.state = StateStarting
	r.mu.Unlock()

	PrintBanner()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)

	select {
	case <-ctx.Done():
	case <-r.stopping:
	}
	return r.shutdown()
}

// Done is closed once shutdown has begun.
func (r *LifecycleRunner) Done() <-chan struct{} {
	return r.stopping
}

func (r *LifecycleRunner) Stop() error {
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *LifecycleRunner) shutdown() error {
	r.once.Do(func() {
		close(r.stopping)
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := r.drainer.Drain(ctx)
			cancel()
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				r.stopErr = ErrDrainTimeout
			case err != nil:
				r.stopErr = err
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

package pipeline

import (
	"context"
	"time"

	"github.com/harunnryd/callscript/pkg/runner"
)

// Runner ties a session registry to the process lifecycle: on shutdown new
// calls are refused and active calls get the drain timeout to finish.
type Runner struct {
	lc *runner.LifecycleRunner
}

func NewRunner(reg *SessionRegistry, hooks runner.Hooks, timeout time.Duration) *Runner {
	drainer := runner.DrainerFunc(func(ctx context.Context) error {
		reg.SetDraining(true)
		emptied := reg.WaitForEmpty(ctx, 0)
		reg.CloseAll()
		if !emptied {
			return ctx.Err()
		}
		return nil
	})
	return &Runner{lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }
func (r *Runner) State() runner.State           { return r.lc.State() }

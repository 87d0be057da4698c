package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work before ctx's deadline. Returning
// ctx.Err() reports that the deadline won.
type Drainer interface {
	Drain(ctx context.Context) error
}

type DrainerFunc func(ctx context.Context) error

func (f DrainerFunc) Drain(ctx context.Context) error { return f(ctx) }

// Version is stamped at build time with -ldflags.
var Version = "dev"

// BannerOutput is where PrintBanner writes. Tests set it to io.Discard.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	tpl := "{{ .Title \"CALLSCRIPT\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(BannerOutput, true, false, bytes.NewBufferString(tpl))
}

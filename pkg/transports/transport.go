package transports

import (
	"context"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/labstack/echo/v4"
)

// Transport defines a vendor-agnostic I/O boundary for audio/text/control frames.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// Terminator is implemented by transports that can end a live call.
type Terminator interface {
	Hangup(ctx context.Context, callSID string) error
}

// Router is implemented by transports that serve HTTP routes (webhooks,
// media streams) on the shared echo server.
type Router interface {
	Register(e *echo.Echo)
}

// UtteranceInjector is implemented by transports that accept typed user
// input in place of recognized speech.
type UtteranceInjector interface {
	Inject(streamID, text string) error
}

// SessionStarter is implemented by transports that can open a call without
// a telephony provider.
type SessionStarter interface {
	StartSession(meta map[string]string) (streamID string, err error)
	EndSession(streamID string) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// Package stt is the contract between the call pipeline and a speech
// recognition vendor.
package stt

import (
	"context"

	"github.com/harunnryd/callscript/pkg/frames"
)

// StreamingSTT turns one call's inbound audio into transcripts. A session
// is bound to a single stream for its lifetime.
type StreamingSTT interface {
	Name() string
	Start(ctx context.Context) error
	// SendAudio forwards caller audio. The frame may be released by the
	// caller as soon as it returns.
	SendAudio(frame frames.AudioFrame) error
	// Results carries text frames tagged source=stt with is_final set, plus
	// speech control frames. It is closed by Close.
	Results() <-chan frames.Frame
	Close() error
}

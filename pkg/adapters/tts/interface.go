// Package tts is the contract between the call pipeline and a speech
// synthesis vendor.
package tts

import (
	"context"

	"github.com/harunnryd/callscript/pkg/frames"
)

// StreamingTTS speaks whole utterances for one call. Each SendText yields
// audio frames followed by exactly one ControlAudioReady.
type StreamingTTS interface {
	Name() string
	Start(ctx context.Context) error
	SendText(text string) error
	// Flush drops audio still being produced for earlier utterances.
	Flush()
	Results() <-chan frames.Frame
	Close() error
}

package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlFallback          ControlCode = "fallback"
	// ControlAudioReady marks the end of synthesized audio for one utterance.
	ControlAudioReady ControlCode = "audio_ready"
)

// Frame is the unit carried through a call pipeline. Frames are values and
// never change after construction: Meta returns a copy and Value reads a
// single key without copying.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
	Value(key string) string
}

// header holds what every frame kind carries.
type header struct {
	pts  int64
	meta map[string]string
}

func newHeader(streamID string, pts int64, meta map[string]string) header {
	m := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	if streamID != "" {
		m[MetaStreamID] = streamID
	}
	return header{pts: pts, meta: m}
}

func (h header) PTS() int64              { return h.pts }
func (h header) Value(key string) string { return h.meta[key] }

func (h header) Meta() map[string]string {
	out := make(map[string]string, len(h.meta))
	for k, v := range h.meta {
		out[k] = v
	}
	return out
}

// AudioFrame carries raw call audio. Pooled frames own a buffer from the
// audio pool and must go back through ReleaseAudioFrame once consumed.
type AudioFrame struct {
	header
	data     []byte
	rate     int
	channels int
	pooled   bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, channels int, meta map[string]string) AudioFrame {
	return AudioFrame{header: newHeader(streamID, pts, meta), data: data, rate: rate, channels: channels}
}

// NewAudioFrameFromPool copies data into a pooled buffer.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, channels int, meta map[string]string) AudioFrame {
	buf := audioPool.get(len(data))
	copy(buf, data)
	f := NewAudioFrame(streamID, pts, buf, rate, channels, meta)
	f.pooled = true
	return f
}

func (a AudioFrame) Kind() Kind    { return KindAudio }
func (a AudioFrame) Rate() int     { return a.rate }
func (a AudioFrame) Channels() int { return a.channels }

// Data returns a copy of the payload.
func (a AudioFrame) Data() []byte { return append([]byte(nil), a.data...) }

// RawPayload returns the payload without copying. It is only valid until
// the frame is released.
func (a AudioFrame) RawPayload() []byte { return a.data }

// ReleaseAudioFrame returns a pooled frame's buffer. It reports false for
// anything that was not pooled audio.
func ReleaseAudioFrame(f Frame) bool {
	var af AudioFrame
	switch v := f.(type) {
	case AudioFrame:
		af = v
	case *AudioFrame:
		af = *v
	default:
		return false
	}
	if !af.pooled {
		return false
	}
	audioPool.put(af.data)
	return true
}

// TextFrame carries transcripts, model output and lines to speak.
type TextFrame struct {
	header
	text string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{header: newHeader(streamID, pts, meta), text: text}
}

func (t TextFrame) Kind() Kind   { return KindText }
func (t TextFrame) Text() string { return t.text }

// WithText returns a copy of the frame carrying different text.
func (t TextFrame) WithText(text string) TextFrame {
	return TextFrame{header: newHeader("", t.pts, t.meta), text: text}
}

type ControlFrame struct {
	header
	code ControlCode
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{header: newHeader(streamID, pts, meta), code: code}
}

func (c ControlFrame) Kind() Kind        { return KindControl }
func (c ControlFrame) Code() ControlCode { return c.code }

// SystemFrame marks call lifecycle and playback events.
type SystemFrame struct {
	header
	name string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{header: newHeader(streamID, pts, meta), name: name}
}

func (s SystemFrame) Kind() Kind   { return KindSystem }
func (s SystemFrame) Name() string { return s.name }

// PTSGen hands out strictly increasing timestamps per stream, one
// millisecond apart.
type PTSGen struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{last: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[streamID] += int64(time.Millisecond)
	return g.last[streamID]
}

type bufPool struct{ p sync.Pool }

var audioPool = &bufPool{p: sync.Pool{New: func() any { return make([]byte, 0, 4096) }}}

func (b *bufPool) get(size int) []byte {
	buf := b.p.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func (b *bufPool) put(buf []byte) {
	b.p.Put(buf[:0])
}

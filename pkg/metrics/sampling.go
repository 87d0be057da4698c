package metrics

import "sync/atomic"

// SamplingObserver thins out per-frame events and passes every other event
// through. A rate of 0.25 keeps one frame event in four; 0 drops them all.
type SamplingObserver struct {
	inner Observer
	every uint64
	seen  atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	return &SamplingObserver{inner: inner, every: sampleInterval(rate)}
}

func sampleInterval(rate float64) uint64 {
	switch {
	case rate <= 0:
		return 0
	case rate >= 1:
		return 1
	}
	every := uint64(1/rate + 0.5)
	if every == 0 {
		every = 1
	}
	return every
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if IsHighVolume(ev.Name) && !s.keep() {
		return
	}
	s.inner.RecordEvent(ev)
}

func (s *SamplingObserver) keep() bool {
	switch s.every {
	case 0:
		return false
	case 1:
		return true
	}
	return s.seen.Add(1)%s.every == 0
}

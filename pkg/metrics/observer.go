package metrics

import "time"

// Tag keys shared by every emitter.
const (
	TagComponent = "component"
	TagProvider  = "provider"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

// Emit records a timestamped event on obs. A nil observer drops it.
func Emit(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

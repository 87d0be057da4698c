package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/callscript/pkg/metrics"
)

// LoggerObserver writes events as structured log lines. Script and call
// lifecycle events log at info, everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With("component", "metrics")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := eventLevel(ev.Name)
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name), slog.Time("at", ev.Time))
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	o.log.LogAttrs(ctx, level, "metrics_event", attrs...)
}

func eventLevel(name string) slog.Level {
	switch name {
	case metrics.EventScriptDecision, metrics.EventScriptTransition,
		metrics.EventCallStarted, metrics.EventCallEnded,
		metrics.EventBreakerOpen, metrics.EventBreakerClose:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiObserver fans each event out to every non-nil observer in order.
type MultiObserver []metrics.Observer

func NewMultiObserver(list ...metrics.Observer) MultiObserver {
	out := make(MultiObserver, 0, len(list))
	for _, obs := range list {
		if obs != nil {
			out = append(out, obs)
		}
	}
	return out
}

func (m MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m {
		obs.RecordEvent(ev)
	}
}

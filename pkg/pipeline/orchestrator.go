package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/metrics"
	"github.com/harunnryd/callscript/pkg/priority"
)

var errStarted = errors.New("pipeline: processors cannot be added after start")

type orchestrator struct {
	in      chan frames.Frame
	out     chan frames.Frame
	pq      *priority.PriorityQueue
	procs   []FrameProcessor
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	stageCh []chan frames.Frame
	sink    func(frames.Frame)
	obs     metrics.Observer
	onErr   ErrorHandler
	started bool
	wg      sync.WaitGroup
	stop    sync.Once
}

func New(cfg Config) Orchestrator {
	if cfg.HighCapacity <= 0 && cfg.LowCapacity <= 0 {
		def := DefaultConfig()
		cfg.HighCapacity, cfg.LowCapacity = def.HighCapacity, def.LowCapacity
	}
	if cfg.StageBuffer <= 0 {
		cfg.StageBuffer = DefaultConfig().StageBuffer
	}
	o := &orchestrator{
		in:  make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out: make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		cfg: cfg,
	}
	o.pq = priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func NewWithPipelineConfig(pc PipelineConfig) Orchestrator {
	orch := New(pc.Config)
	logPipeline(pc.Processors)
	for _, p := range pc.Processors {
		_ = orch.AddProcessor(p)
	}
	return orch
}

func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetSink(sink func(frames.Frame))  { o.sink = sink }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }
func (o *orchestrator) SetErrorHandler(h ErrorHandler)   { o.onErr = h }

func (o *orchestrator) AddProcessor(p FrameProcessor) error {
	if o.started {
		return errStarted
	}
	if p != nil {
		o.procs = append(o.procs, p)
	}
	return nil
}

func (o *orchestrator) Start() error {
	o.started = true
	o.goFeed()
	if o.cfg.Async {
		o.startAsync()
		return nil
	}
	o.startSync()
	return nil
}

func (o *orchestrator) Stop() error {
	o.stop.Do(func() {
		o.cancel()
		o.wg.Wait()
		close(o.out)
	})
	return nil
}

func (o *orchestrator) run(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// goFeed moves input frames into the priority lanes.
func (o *orchestrator) goFeed() {
	o.run(func() {
		for {
			select {
			case <-o.ctx.Done():
				return
			case f := <-o.in:
				var pushed bool
				if f.Kind() == frames.KindControl {
					pushed = o.pq.TryPushHigh(f)
				} else {
					pushed = o.pq.TryPushLow(f)
				}
				if !pushed {
					frames.ReleaseAudioFrame(f)
					o.recordDrop(f)
					continue
				}
				o.recordIn(f)
			}
		}
	})
}

func (o *orchestrator) next() (frames.Frame, bool) {
	for {
		v, ok := o.pq.Pop(o.ctx)
		if !ok {
			return nil, false
		}
		f := v.(frames.Frame)
		if shouldDropForLag(f, 500*time.Millisecond) {
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
			continue
		}
		return f, true
	}
}

func (o *orchestrator) startSync() {
	o.run(func() {
		for {
			f, ok := o.next()
			if !ok {
				return
			}
			out := []frames.Frame{f}
			for _, p := range o.procs {
				var next []frames.Frame
				for _, cur := range out {
					next = append(next, o.process(p, cur)...)
				}
				out = next
				if len(out) == 0 {
					break
				}
			}
			for _, e := range out {
				o.recordOut(e)
				o.emit(e)
			}
		}
	})
}

func (o *orchestrator) startAsync() {
	o.stageCh = make([]chan frames.Frame, len(o.procs)+1)
	for i := range o.stageCh {
		o.stageCh[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}
	for i, p := range o.procs {
		proc, in, out := p, o.stageCh[i], o.stageCh[i+1]
		o.run(func() {
			for {
				select {
				case <-o.ctx.Done():
					return
				case f := <-in:
					for _, e := range o.process(proc, f) {
						o.push(out, e)
					}
				}
			}
		})
	}
	o.run(func() {
		for {
			f, ok := o.next()
			if !ok {
				return
			}
			o.push(o.stageCh[0], f)
		}
	})
	o.run(func() {
		final := o.stageCh[len(o.stageCh)-1]
		for {
			select {
			case <-o.ctx.Done():
				return
			case e := <-final:
				o.recordOut(e)
				o.emit(e)
			}
		}
	})
}

func (o *orchestrator) process(p FrameProcessor, f frames.Frame) []frames.Frame {
	start := time.Now()
	r, err := p.Process(f)
	if err != nil {
		frames.ReleaseAudioFrame(f)
		o.recordError(p.Name(), f, err)
		if o.onErr != nil {
			o.onErr(p.Name(), f, err)
		}
		return nil
	}
	o.recordStage(p.Name(), f, start)
	return r
}

func (o *orchestrator) emit(f frames.Frame) {
	if o.sink != nil {
		o.sink(f)
		frames.ReleaseAudioFrame(f)
		return
	}
	o.push(o.out, f)
}

func (o *orchestrator) push(ch chan frames.Frame, f frames.Frame) {
	if shouldDropForLag(f, 500*time.Millisecond) {
		frames.ReleaseAudioFrame(f)
		o.recordDrop(f)
		return
	}
	// Drop mode sheds audio only. Anything else may mark a turn boundary
	// and waits for room.
	if o.cfg.Backpressure == BackpressureDrop && f.Kind() == frames.KindAudio {
		select {
		case ch <- f:
		default:
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
		}
		return
	}
	select {
	case <-o.ctx.Done():
		frames.ReleaseAudioFrame(f)
	case ch <- f:
	}
}

func (o *orchestrator) record(name string, f frames.Frame, value float64, extra map[string]string) {
	if o.obs == nil {
		return
	}
	tags := frameTags(f)
	for k, v := range extra {
		tags[k] = v
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

func (o *orchestrator) recordStage(name string, f frames.Frame, start time.Time) {
	o.record(metrics.EventStageLatency, f, float64(time.Since(start).Microseconds()), map[string]string{"processor": name})
}

func (o *orchestrator) recordIn(f frames.Frame)   { o.record(metrics.EventFrameIn, f, 0, nil) }
func (o *orchestrator) recordOut(f frames.Frame)  { o.record(metrics.EventFrameOut, f, 0, nil) }
func (o *orchestrator) recordDrop(f frames.Frame) { o.record(metrics.EventFrameDrop, f, 0, nil) }

func (o *orchestrator) recordError(name string, f frames.Frame, err error) {
	o.record(metrics.EventProcessorError, f, 0, map[string]string{
		"processor": name,
		"reason":    string(errorsx.Reason(err)),
	})
}

func frameTags(f frames.Frame) map[string]string {
	tags := map[string]string{}
	if f == nil {
		return tags
	}
	meta := f.Meta()
	tags[frames.MetaStreamID] = meta[frames.MetaStreamID]
	tags[frames.MetaTraceID] = meta[frames.MetaTraceID]
	tags["kind"] = string(f.Kind())
	if source := meta[frames.MetaSource]; source != "" {
		tags["source"] = source
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		tags["control_code"] = string(v.Code())
		if reason := meta[frames.MetaReason]; reason != "" {
			tags["control_reason"] = reason
		}
	case frames.SystemFrame:
		tags["system_name"] = v.Name()
	}
	return tags
}

func logPipeline(procs []FrameProcessor) {
	if len(procs) == 0 {
		return
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		if p != nil {
			names = append(names, p.Name())
		}
	}
	slog.Info("pipeline", "order", strings.Join(names, " -> "))
}

// shouldDropForLag drops audio stamped with wall-clock PTS that is already
// older than maxLag. Synthetic PTS values are never dropped.
func shouldDropForLag(f frames.Frame, maxLag time.Duration) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > maxLag
}

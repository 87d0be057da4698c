package pipeline

import (
	"context"
	"log/slog"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/metrics"
)

// FrameProcessor is one stage of a call pipeline. A processor may consume a
// frame (return nil), forward it, or expand it into several frames.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// ErrorHandler receives processor failures. The failed frame is dropped.
type ErrorHandler func(processor string, f frames.Frame, err error)

type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

func (m BackpressureMode) String() string {
	if m == BackpressureWait {
		return "wait"
	}
	return "drop"
}

type Config struct {
	Async         bool             `mapstructure:"async"`
	StageBuffer   int              `mapstructure:"stage_buffer"`
	HighCapacity  int              `mapstructure:"high_capacity"`
	LowCapacity   int              `mapstructure:"low_capacity"`
	FairnessRatio int              `mapstructure:"fairness_ratio"`
	Backpressure  BackpressureMode `mapstructure:"-"`
}

// DefaultConfig is a synchronous pipeline that waits instead of dropping.
func DefaultConfig() Config {
	return Config{
		StageBuffer:   64,
		HighCapacity:  64,
		LowCapacity:   512,
		FairnessRatio: 3,
		Backpressure:  BackpressureWait,
	}
}

type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

func LogConfiguration(logger *slog.Logger, cfg Config) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("pipeline_config",
		"async", cfg.Async,
		"stage_buffer", cfg.StageBuffer,
		"high_capacity", cfg.HighCapacity,
		"low_capacity", cfg.LowCapacity,
		"fairness_ratio", cfg.FairnessRatio,
		"backpressure", cfg.Backpressure.String(),
	)
}

type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
	SetErrorHandler(h ErrorHandler)
}

package pipeline

import (
	"sync"

	"github.com/aliskhannn/gifmark/internal/model"
)

// Stage names a pipeline step.
type Stage string

const (
	StageDecode    Stage = "decode"
	StageSample    Stage = "sample"
	StageRender    Stage = "render"
	StageComposite Stage = "composite"
	StageEncode    Stage = "encode"
)

// stageSpan is the slice of overall progress a stage covers.
type stageSpan struct {
	start, weight float64
}

var spans = map[Stage]stageSpan{
	StageDecode:    {start: 0, weight: 0.10},
	StageSample:    {start: 0.10, weight: 0},
	StageRender:    {start: 0.10, weight: 0.05},
	StageComposite: {start: 0.15, weight: 0.50},
	StageEncode:    {start: 0.65, weight: 0.35},
}

// Status maps a stage to the task status shown while it runs.
func (s Stage) Status() model.TaskStatus {
	switch s {
	case StageDecode:
		return model.StatusDecoding
	case StageSample:
		return model.StatusSampling
	case StageRender:
		return model.StatusRendering
	case StageComposite:
		return model.StatusCompositing
	case StageEncode:
		return model.StatusEncoding
	default:
		return model.StatusPending
	}
}

// Progress is an overall completion report.
type Progress struct {
	Stage    Stage
	Fraction float64 // 0..1, never decreases within a run
	Message  string
}

// ProgressFunc receives progress reports. Calls are serialised.
type ProgressFunc func(Progress)

// tracker converts per-stage progress into overall progress and delivers
// it without ever going backwards.
type tracker struct {
	mu   sync.Mutex
	last float64
	fn   ProgressFunc
}

func newTracker(fn ProgressFunc) *tracker {
	return &tracker{fn: fn}
}

// report records that stage is local (0..1) complete.
func (t *tracker) report(stage Stage, local float64, msg string) {
	if t.fn == nil {
		return
	}

	span := spans[stage]
	overall := span.start + span.weight*min(max(local, 0), 1)

	t.mu.Lock()
	defer t.mu.Unlock()

	if overall < t.last {
		overall = t.last
	}
	t.last = overall

	t.fn(Progress{Stage: stage, Fraction: overall, Message: msg})
}

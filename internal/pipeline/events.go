package pipeline

import (
	"context"

	"github.com/aliskhannn/gifmark/internal/model"
)

// Event is one message on the channel returned by Start. It is one of
// ProgressEvent, ResultEvent or ErrorEvent.
type Event interface {
	isEvent()
}

// ProgressEvent reports overall completion.
type ProgressEvent struct {
	Progress
}

// ResultEvent carries the encoded GIF. It is the last event of a
// successful run.
type ResultEvent struct {
	Data []byte
}

// ErrorEvent carries the failure of a run, ErrCancelled included. It is the
// last event of a failed run.
type ErrorEvent struct {
	Err error
}

func (ProgressEvent) isEvent() {}
func (ResultEvent) isEvent()   {}
func (ErrorEvent) isEvent()    {}

// Start runs the pipeline on its own goroutine. The returned channel yields
// progress events followed by exactly one ResultEvent or ErrorEvent and is
// then closed. The caller must drain it.
func (p *Pipeline) Start(ctx context.Context, data []byte, spec model.WatermarkSpec) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		result, err := p.Run(ctx, data, spec, func(pr Progress) {
			events <- ProgressEvent{Progress: pr}
		})
		if err != nil {
			events <- ErrorEvent{Err: err}
			return
		}
		events <- ResultEvent{Data: result}
	}()

	return events
}

// Package pipeline runs the GIF watermarking stages: decode, sample,
// render the overlay, composite every frame and encode.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"github.com/wb-go/wbf/zlog"
	"go.uber.org/atomic"

	"github.com/aliskhannn/gifmark/internal/compositor"
	"github.com/aliskhannn/gifmark/internal/gifcodec"
	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/sampler"
	"github.com/aliskhannn/gifmark/internal/watermark"
)

// ErrCancelled is returned when the context is done before the output is
// complete. It wraps the context error.
var ErrCancelled = errors.New("watermarking cancelled")

// Options tune a pipeline run.
type Options struct {
	MaxFrames int  // 0 keeps every frame
	Quality   int  // encoder quality, 1..30, 0 for default
	Workers   int  // concurrent composite goroutines, <= 1 runs sequentially
	MaxPixels int  // decoder canvas limit, 0 for none
	LoopCount *int // overrides the source loop count
}

// overlayRenderer draws the watermark surface once per run.
type overlayRenderer interface {
	BuildOverlay(spec model.WatermarkSpec, width, height int) (*watermark.Overlay, error)
}

// Pipeline watermarks animated GIFs. It holds no per-run state and may be
// shared between goroutines.
type Pipeline struct {
	renderer overlayRenderer
	opts     Options
}

// New creates a Pipeline drawing overlays with r.
func New(r overlayRenderer, opts Options) *Pipeline {
	return &Pipeline{renderer: r, opts: opts}
}

// Run watermarks data according to spec and returns the encoded GIF.
// onProgress may be nil.
func (p *Pipeline) Run(ctx context.Context, data []byte, spec model.WatermarkSpec, onProgress ProgressFunc) ([]byte, error) {
	tr := newTracker(onProgress)

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	tr.report(StageDecode, 0, "decoding")
	doc, err := gifcodec.Decoder{MaxPixels: p.opts.MaxPixels}.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	tr.report(StageDecode, 1, fmt.Sprintf("decoded %d frames", len(doc.Frames)))

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	frames := sampler.Sample(doc.Frames, p.opts.MaxFrames)
	tr.report(StageSample, 1, fmt.Sprintf("kept %d of %d frames", len(frames), len(doc.Frames)))

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	tr.report(StageRender, 0, "rendering watermark")
	overlay, err := p.renderer.BuildOverlay(spec, doc.Width, doc.Height)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	tr.report(StageRender, 1, "watermark rendered")

	out, err := p.composite(ctx, frames, overlay, tr)
	if err != nil {
		return nil, err
	}

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	loop := doc.LoopCount
	if p.opts.LoopCount != nil {
		loop = *p.opts.LoopCount
	}
	result, err := gifcodec.Encode(&model.Document{
		Width:     doc.Width,
		Height:    doc.Height,
		LoopCount: loop,
		Frames:    out,
	}, gifcodec.EncodeOptions{
		Quality: p.opts.Quality,
		Progress: func(done, total int) error {
			if err := cancelled(ctx); err != nil {
				return err
			}
			tr.report(StageEncode, float64(done)/float64(total), fmt.Sprintf("encoded frame %d/%d", done, total))
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		return nil, fmt.Errorf("encode: %w", err)
	}
	tr.report(StageEncode, 1, "done")

	zlog.Logger.Debug().
		Int("frames", len(out)).
		Int("bytes", len(result)).
		Msg("gif watermarked")

	return result, nil
}

// composite blends overlay onto every frame on a bounded pool. Results are
// stored by index so output order matches input order.
func (p *Pipeline) composite(ctx context.Context, frames []model.Frame, overlay *watermark.Overlay, tr *tracker) ([]model.Frame, error) {
	out := make([]model.Frame, len(frames))
	total := float64(len(frames))
	done := atomic.NewInt64(0)

	tr.report(StageComposite, 0, "compositing")

	pl := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(max(p.opts.Workers, 1)).
		WithCancelOnError().
		WithFirstError()

	for i := range frames {
		if ctx.Err() != nil {
			break
		}

		i := i // per-iteration copy; go.mod targets go 1.21
		pl.Go(func(ctx context.Context) error {
			if err := cancelled(ctx); err != nil {
				return err
			}

			f, err := compositor.Composite(frames[i], overlay)
			if err != nil {
				return fmt.Errorf("composite frame %d: %w", i, err)
			}
			out[i] = f

			n := done.Inc()
			tr.report(StageComposite, float64(n)/total, fmt.Sprintf("composited frame %d/%d", n, len(frames)))
			return nil
		})
	}

	if err := pl.Wait(); err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	return out, nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

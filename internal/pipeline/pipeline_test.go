package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/aliskhannn/gifmark/internal/gifcodec"
	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/watermark"
)

// testGIF builds an animation of n frames, each 10cs long, with a moving
// stripe so that frames differ.
func testGIF(t *testing.T, n, w, h int) []byte {
	t.Helper()

	palette := color.Palette{
		color.RGBA{A: 0xff},
		color.RGBA{R: 0xff, A: 0xff},
		color.RGBA{G: 0xff, A: 0xff},
		color.RGBA{B: 0xff, A: 0xff},
	}
	g := &gif.GIF{LoopCount: 0}
	for i := 0; i < n; i++ {
		pm := image.NewPaletted(image.Rect(0, 0, w, h), palette)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pm.SetColorIndex(x, y, uint8(1+(x+i)%3))
			}
		}
		g.Image = append(g.Image, pm)
		g.Delay = append(g.Delay, 10)
	}

	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	r, err := watermark.NewRenderer("")
	require.NoError(t, err)
	return New(r, opts)
}

func textSpec(text string) model.WatermarkSpec {
	return model.WatermarkSpec{
		Kind:     model.KindText,
		Text:     text,
		Opacity:  1,
		FontSize: 16,
		Color:    model.HexColor{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		Position: model.Position{X: 50, Y: 50},
	}
}

func TestRunTextWatermark(t *testing.T) {
	src := testGIF(t, 10, 64, 32)
	p := newPipeline(t, Options{})

	var reports []Progress
	out, err := p.Run(context.Background(), src, textSpec("TEST"), func(pr Progress) {
		reports = append(reports, pr)
	})
	require.NoError(t, err)

	doc, err := gifcodec.Decode(out)
	require.NoError(t, err)
	require.Len(t, doc.Frames, 10)
	require.Equal(t, 100, doc.TotalDelay())
	require.Equal(t, 0, doc.LoopCount)

	orig, err := gifcodec.Decode(src)
	require.NoError(t, err)
	require.NotEqual(t, orig.Frames[0].Pix, doc.Frames[0].Pix, "watermark must change pixels")

	require.NotEmpty(t, reports)
	require.Equal(t, 1.0, reports[len(reports)-1].Fraction)
	require.Equal(t, StageEncode, reports[len(reports)-1].Stage)
}

func TestRunEmptyTextKeepsPixels(t *testing.T) {
	src := testGIF(t, 4, 16, 16)
	p := newPipeline(t, Options{})

	out, err := p.Run(context.Background(), src, textSpec(""), nil)
	require.NoError(t, err)

	orig, err := gifcodec.Decode(src)
	require.NoError(t, err)
	doc, err := gifcodec.Decode(out)
	require.NoError(t, err)

	require.Len(t, doc.Frames, len(orig.Frames))
	for i := range orig.Frames {
		require.Equal(t, orig.Frames[i].Pix, doc.Frames[i].Pix, "frame %d", i)
		require.Equal(t, orig.Frames[i].Delay, doc.Frames[i].Delay)
	}
}

func TestRunSamplesFrames(t *testing.T) {
	src := testGIF(t, 30, 8, 8)
	p := newPipeline(t, Options{MaxFrames: 7, Workers: 3})

	out, err := p.Run(context.Background(), src, textSpec("x"), nil)
	require.NoError(t, err)

	doc, err := gifcodec.Decode(out)
	require.NoError(t, err)
	require.Len(t, doc.Frames, 7)
	require.Equal(t, 300, doc.TotalDelay())
}

func TestRunProgressIsMonotonic(t *testing.T) {
	src := testGIF(t, 40, 32, 32)
	p := newPipeline(t, Options{Workers: 8})

	var last float64
	calls := 0
	_, err := p.Run(context.Background(), src, textSpec("mono"), func(pr Progress) {
		require.GreaterOrEqual(t, pr.Fraction, last)
		require.LessOrEqual(t, pr.Fraction, 1.0)
		last = pr.Fraction
		calls++
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, last)
	require.Greater(t, calls, 40)
}

func TestRunCancelled(t *testing.T) {
	src := testGIF(t, 10, 16, 16)
	p := newPipeline(t, Options{Workers: 2})

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out, err := p.Run(ctx, src, textSpec("x"), nil)
		require.Nil(t, out)
		require.ErrorIs(t, err, ErrCancelled)
		require.ErrorIs(t, err, context.Canceled)
	})

	for _, stage := range []Stage{StageComposite, StageEncode} {
		t.Run("during "+string(stage), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			out, err := p.Run(ctx, src, textSpec("x"), func(pr Progress) {
				if pr.Stage == stage {
					cancel()
				}
			})
			require.Nil(t, out)
			require.ErrorIs(t, err, ErrCancelled)
		})
	}
}

func TestRunStopsWithinOneFrameOfCancel(t *testing.T) {
	const frames, stopAfter = 50, 5
	src := testGIF(t, frames, 16, 16)
	p := newPipeline(t, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	composited := atomic.NewInt64(0)
	out, err := p.Run(ctx, src, textSpec("x"), func(pr Progress) {
		if pr.Stage != StageComposite || !strings.HasPrefix(pr.Message, "composited frame") {
			return
		}
		if composited.Inc() == stopAfter {
			cancel()
		}
	})
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrCancelled)
	require.GreaterOrEqual(t, composited.Load(), int64(stopAfter))
	require.LessOrEqual(t, composited.Load(), int64(stopAfter+1))
}

func TestRunStageErrors(t *testing.T) {
	p := newPipeline(t, Options{})

	_, err := p.Run(context.Background(), []byte("definitely not a gif"), textSpec("x"), nil)
	var decodeErr *gifcodec.DecodeError
	require.True(t, errors.As(err, &decodeErr))

	_, err = p.Run(context.Background(), testGIF(t, 2, 4, 4), model.WatermarkSpec{Kind: "laser", Opacity: 1}, nil)
	var unsupported *model.UnsupportedWatermarkError
	require.True(t, errors.As(err, &unsupported))
	require.NotErrorIs(t, err, ErrCancelled)
}

func TestStartStreamsEvents(t *testing.T) {
	p := newPipeline(t, Options{Workers: 2})

	var (
		progress int
		result   []byte
		last     Event
	)
	for ev := range p.Start(context.Background(), testGIF(t, 5, 8, 8), textSpec("ev")) {
		switch e := ev.(type) {
		case ProgressEvent:
			progress++
		case ResultEvent:
			result = e.Data
		case ErrorEvent:
			t.Fatalf("unexpected error: %v", e.Err)
		}
		last = ev
	}

	require.Positive(t, progress)
	require.IsType(t, ResultEvent{}, last)
	_, err := gifcodec.Decode(result)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for ev := range p.Start(ctx, testGIF(t, 5, 8, 8), textSpec("ev")) {
		last = ev
	}
	errEv, ok := last.(ErrorEvent)
	require.True(t, ok)
	require.ErrorIs(t, errEv.Err, ErrCancelled)
}

func TestStageStatus(t *testing.T) {
	require.Equal(t, model.StatusDecoding, StageDecode.Status())
	require.Equal(t, model.StatusCompositing, StageComposite.Status())
	require.Equal(t, model.StatusEncoding, StageEncode.Status())
}

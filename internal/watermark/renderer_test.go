package watermark

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/gifmark/internal/model"
)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer("")
	require.NoError(t, err)
	return r
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func opaqueCount(img *image.NRGBA, r image.Rectangle) int {
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if img.NRGBAAt(x, y).A > 0 {
				n++
			}
		}
	}
	return n
}

func TestBlankOverlays(t *testing.T) {
	r := newRenderer(t)

	specs := map[string]model.WatermarkSpec{
		"empty text":   {Kind: model.KindText, Opacity: 1, Position: model.Position{X: 50, Y: 50}},
		"zero opacity": {Kind: model.KindText, Opacity: 0, Text: "hello", Position: model.Position{X: 50, Y: 50}},
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			o, err := r.BuildOverlay(spec, 40, 30)
			require.NoError(t, err)
			require.True(t, o.Empty())
			require.Equal(t, image.Rect(0, 0, 40, 30), o.Bounds())
			require.Zero(t, opaqueCount(o.Image(), o.Bounds()))
		})
	}
}

func TestTextOverlayIsCentredOnPosition(t *testing.T) {
	r := newRenderer(t)
	spec := model.WatermarkSpec{
		Kind:     model.KindText,
		Text:     "WWW",
		FontSize: 30,
		Opacity:  1,
		Color:    model.HexColor{R: 0xff, A: 0xff},
		Position: model.Position{X: 50, Y: 50},
	}

	o, err := r.BuildOverlay(spec, 200, 100)
	require.NoError(t, err)
	require.False(t, o.Empty())

	img := o.Image()
	require.Positive(t, opaqueCount(img, image.Rect(80, 35, 120, 65)))
	require.Zero(t, opaqueCount(img, image.Rect(0, 0, 40, 20)))
	require.Zero(t, opaqueCount(img, image.Rect(160, 80, 200, 100)))
}

func TestImageOverlayOpacityAndRotation(t *testing.T) {
	r := newRenderer(t)

	t.Run("opacity", func(t *testing.T) {
		spec := model.WatermarkSpec{
			Kind:     model.KindImage,
			Opacity:  0.5,
			Position: model.Position{X: 50, Y: 50},
			Image:    solidImage(10, 10, color.NRGBA{R: 0xff, A: 0xff}),
		}
		o, err := r.BuildOverlay(spec, 100, 100)
		require.NoError(t, err)

		c := o.Image().NRGBAAt(50, 50)
		require.InDelta(t, 128, int(c.A), 2)
		require.InDelta(t, 255, int(c.R), 3)
		require.Zero(t, o.Image().NRGBAAt(20, 20).A)
	})

	t.Run("rotation", func(t *testing.T) {
		spec := model.WatermarkSpec{
			Kind:     model.KindImage,
			Opacity:  1,
			Rotation: 90,
			Position: model.Position{X: 50, Y: 50},
			Image:    solidImage(20, 4, color.NRGBA{B: 0xff, A: 0xff}),
		}
		o, err := r.BuildOverlay(spec, 100, 100)
		require.NoError(t, err)

		require.Greater(t, o.Image().NRGBAAt(50, 56).A, uint8(200))
		require.Zero(t, o.Image().NRGBAAt(58, 50).A)
	})

	t.Run("scale", func(t *testing.T) {
		spec := model.WatermarkSpec{
			Kind:     model.KindImage,
			Opacity:  1,
			Scale:    2,
			Position: model.Position{X: 50, Y: 50},
			Image:    solidImage(10, 10, color.NRGBA{G: 0xff, A: 0xff}),
		}
		o, err := r.BuildOverlay(spec, 100, 100)
		require.NoError(t, err)

		require.Greater(t, o.Image().NRGBAAt(42, 42).A, uint8(200))
		require.Zero(t, o.Image().NRGBAAt(35, 35).A)
	})
}

func TestTiledOverlayCoversCanvas(t *testing.T) {
	r := newRenderer(t)
	spec := model.WatermarkSpec{
		Kind:    model.KindTiled,
		Opacity: 1,
		Spacing: 20,
		Image:   solidImage(10, 10, color.NRGBA{R: 0xff, G: 0xff, A: 0xff}),
	}

	o, err := r.BuildOverlay(spec, 40, 40)
	require.NoError(t, err)

	for _, p := range []image.Point{{10, 10}, {30, 10}, {10, 30}, {30, 30}} {
		require.Equal(t, uint8(0xff), o.Image().NRGBAAt(p.X, p.Y).A, "tile at %v", p)
	}
	require.Zero(t, o.Image().NRGBAAt(20, 20).A)
}

func TestTileCenters(t *testing.T) {
	points := TileCenters(100, 50, 50)
	// x: -25 25 75 125, y: -25 25 75
	require.Len(t, points, 12)
	require.Equal(t, -25.0, points[0].X)
	require.Equal(t, -25.0, points[0].Y)
	require.Equal(t, 125.0, points[len(points)-1].X)
	require.Equal(t, 75.0, points[len(points)-1].Y)

	require.Nil(t, TileCenters(100, 50, 0))
	require.Nil(t, TileCenters(100, 50, math.Inf(1)))
	require.Nil(t, TileCenters(200, 200, 0.25))
	require.Equal(t, 12, TileCount(100, 50, 50))
	require.Greater(t, TileCount(200, 200, 1e-6), MaxTiles)
}

func TestOversizedWatermarks(t *testing.T) {
	r := newRenderer(t)

	cases := map[string]struct {
		spec model.WatermarkSpec
		side int
	}{
		"dense tiles": {
			spec: model.WatermarkSpec{Kind: model.KindTiled, Opacity: 1, Text: "x", Spacing: model.MinSpacing},
			side: 600,
		},
		"scaled mark": {
			spec: model.WatermarkSpec{
				Kind: model.KindImage, Opacity: 1, Scale: model.MaxScale,
				Position: model.Position{X: 50, Y: 50},
				Image:    solidImage(60, 60, color.NRGBA{R: 0xff, A: 0xff}),
			},
			side: 200,
		},
		"font": {
			spec: model.WatermarkSpec{
				Kind: model.KindText, Opacity: 1, Text: "x", FontSize: model.MaxFontSize,
				Position: model.Position{X: 50, Y: 50},
			},
			side: 200,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.BuildOverlay(tc.spec, tc.side, tc.side)
			require.ErrorIs(t, err, ErrTooLarge)
		})
	}
}

func TestBuildOverlayErrors(t *testing.T) {
	r := newRenderer(t)

	_, err := r.BuildOverlay(model.WatermarkSpec{Kind: "hologram", Opacity: 1}, 10, 10)
	var unsupported *model.UnsupportedWatermarkError
	require.True(t, errors.As(err, &unsupported))

	_, err = r.BuildOverlay(model.WatermarkSpec{Kind: model.KindText, Opacity: 1, Text: "x"}, 0, 10)
	require.ErrorIs(t, err, ErrInvalidCanvas)

	_, err = NewRenderer("/nonexistent/font.ttf")
	require.Error(t, err)
}

// Package watermark renders a watermark spec into a transparent overlay the
// size of the animation canvas.
package watermark

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/aliskhannn/gifmark/internal/model"
)

var (
	ErrInvalidCanvas = errors.New("invalid overlay size")
	ErrTooLarge      = errors.New("watermark too large for canvas")
)

const (
	// MaxTiles bounds the grid of a tiled watermark.
	MaxTiles = 1 << 14

	// A stamp side may be at most this many times the longer canvas side.
	maxStampFactor = 4
)

// Renderer draws overlays. It is safe for concurrent use.
type Renderer struct {
	fontPath string
	font     *truetype.Font
}

// NewRenderer creates a Renderer that draws text with the TrueType font at
// fontPath, or with the built-in Go Regular face when fontPath is empty.
func NewRenderer(fontPath string) (*Renderer, error) {
	if fontPath != "" {
		if _, err := gg.LoadFontFace(fontPath, model.DefaultFontSize); err != nil {
			return nil, fmt.Errorf("failed to load font: %w", err)
		}
		return &Renderer{fontPath: fontPath}, nil
	}

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in font: %w", err)
	}

	return &Renderer{font: f}, nil
}

// BuildOverlay validates spec and draws it onto a transparent width x height
// surface. A spec that cannot produce a visible pixel yields an empty overlay.
func (r *Renderer) BuildOverlay(spec model.WatermarkSpec, width, height int) (*Overlay, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidCanvas, width, height)
	}

	spec, err := spec.Snapshot()
	if err != nil {
		return nil, err
	}
	if spec.Blank() {
		return blankOverlay(width, height), nil
	}

	if err := checkSize(spec, width, height); err != nil {
		return nil, err
	}

	dc := gg.NewContext(width, height)

	var stamp func(dc *gg.Context)
	if spec.UsesImage() {
		img := prepareImage(spec.Image, spec.Scale, spec.Opacity)
		stamp = func(dc *gg.Context) {
			dc.DrawImageAnchored(img, 0, 0, 0.5, 0.5)
		}
	} else {
		if err := r.setFont(dc, spec.FontSize*spec.Scale); err != nil {
			return nil, err
		}
		c := spec.Color.NRGBA()
		c.A = scaleAlpha(c.A, spec.Opacity)
		dc.SetColor(c)
		stamp = func(dc *gg.Context) {
			dc.DrawStringAnchored(spec.Text, 0, 0, 0.5, 0.5)
		}
	}

	switch spec.Kind {
	case model.KindText, model.KindImage:
		x := spec.Position.X / 100 * float64(width)
		y := spec.Position.Y / 100 * float64(height)
		place(dc, x, y, spec.Rotation, stamp)
	case model.KindTiled:
		for _, p := range TileCenters(width, height, spec.Spacing) {
			place(dc, p.X, p.Y, spec.Rotation, stamp)
		}
	default:
		return nil, &model.UnsupportedWatermarkError{Kind: spec.Kind}
	}

	return newOverlay(imaging.Clone(dc.Image())), nil
}

// checkSize rejects stamps far larger than the canvas and tile grids
// denser than MaxTiles.
func checkSize(spec model.WatermarkSpec, width, height int) error {
	limit := float64(maxStampFactor * max(width, height))

	if spec.UsesImage() {
		b := spec.Image.Bounds()
		w, h := float64(b.Dx())*spec.Scale, float64(b.Dy())*spec.Scale
		if w > limit || h > limit {
			return fmt.Errorf("%w: scaled mark %.0fx%.0f on a %dx%d canvas", ErrTooLarge, w, h, width, height)
		}
	} else if size := spec.FontSize * spec.Scale; size > limit {
		return fmt.Errorf("%w: font size %.0f on a %dx%d canvas", ErrTooLarge, size, width, height)
	}

	if spec.Kind == model.KindTiled {
		if n := TileCount(width, height, spec.Spacing); n > MaxTiles {
			return fmt.Errorf("%w: %d tiles at spacing %v", ErrTooLarge, n, spec.Spacing)
		}
	}

	return nil
}

// place draws stamp centred on (x, y) and rotated by deg degrees about it.
func place(dc *gg.Context, x, y, deg float64, stamp func(*gg.Context)) {
	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)
	if deg != 0 {
		dc.Rotate(gg.Radians(deg))
	}
	stamp(dc)
}

func (r *Renderer) setFont(dc *gg.Context, size float64) error {
	if r.fontPath != "" {
		if err := dc.LoadFontFace(r.fontPath, size); err != nil {
			return fmt.Errorf("failed to load font: %w", err)
		}
		return nil
	}

	dc.SetFontFace(truetype.NewFace(r.font, &truetype.Options{Size: size}))
	return nil
}

// prepareImage resizes the bitmap by scale and multiplies its alpha by opacity.
func prepareImage(src image.Image, scale, opacity float64) image.Image {
	img := src
	if scale != 1 {
		b := src.Bounds()
		w := max(int(math.Round(float64(b.Dx())*scale)), 1)
		h := max(int(math.Round(float64(b.Dy())*scale)), 1)
		img = imaging.Resize(src, w, h, imaging.Lanczos)
	}
	if opacity >= 1 {
		return img
	}

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.A = scaleAlpha(c.A, opacity)
		return c
	})
}

func scaleAlpha(a uint8, opacity float64) uint8 {
	return uint8(math.Round(float64(a) * opacity))
}

// tileGrid returns the number of columns and rows of the tile grid.
func tileGrid(width, height int, spacing float64) (int, int) {
	if !(spacing > 0) || math.IsInf(spacing, 0) || width <= 0 || height <= 0 {
		return 0, 0
	}

	cols := math.Floor((float64(width)+spacing)/spacing) + 1
	rows := math.Floor((float64(height)+spacing)/spacing) + 1
	if cols*rows > math.MaxInt32 {
		return math.MaxInt32, 1
	}
	return int(cols), int(rows)
}

// TileCount returns how many stamps TileCenters places.
func TileCount(width, height int, spacing float64) int {
	cols, rows := tileGrid(width, height, spacing)
	return cols * rows
}

// TileCenters returns the centres of a grid with the given pitch that covers
// a width x height canvas plus half a cell beyond every edge. It returns nil
// for grids of more than MaxTiles points.
func TileCenters(width, height int, spacing float64) []gg.Point {
	cols, rows := tileGrid(width, height, spacing)
	if cols*rows == 0 || cols*rows > MaxTiles {
		return nil
	}

	half := spacing / 2
	points := make([]gg.Point, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			points = append(points, gg.Point{X: -half + float64(i)*spacing, Y: -half + float64(j)*spacing})
		}
	}
	return points
}

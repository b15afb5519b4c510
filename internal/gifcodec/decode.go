// Package gifcodec converts between GIF byte streams and full-canvas
// model.Document frame sequences.
package gifcodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"

	"github.com/aliskhannn/gifmark/internal/model"
)

var (
	ErrNoFrames   = errors.New("gif has no frames")
	ErrTooLarge   = errors.New("gif canvas too large")
	ErrEmptyImage = errors.New("gif canvas has zero size")
)

// Decoder decodes animated GIFs. The zero value has no size limit.
type Decoder struct {
	// MaxPixels bounds width*height of the logical screen; 0 disables the check.
	MaxPixels int
}

// Decode decodes data with a zero Decoder.
func Decode(data []byte) (*model.Document, error) {
	return Decoder{}.Decode(data)
}

// Decode parses data and returns every frame composited onto the logical
// screen, so that each frame is a complete picture.
func (d Decoder) Decode(data []byte) (doc *model.Document, err error) {
	r := bytes.NewReader(data)
	offset := func() int64 { return int64(len(data)) - int64(r.Len()) }

	// image/gif has panicked on hostile input in the past.
	defer func() {
		if rec := recover(); rec != nil {
			doc = nil
			err = &DecodeError{Offset: offset(), Frame: -1, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	cfg, err := gif.DecodeConfig(r)
	if err != nil {
		return nil, &DecodeError{Offset: offset(), Frame: -1, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Offset: -1, Frame: -1, Err: ErrEmptyImage}
	}
	if d.MaxPixels > 0 && cfg.Width*cfg.Height > d.MaxPixels {
		return nil, &DecodeError{
			Offset: -1,
			Frame:  -1,
			Err:    fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, d.MaxPixels),
		}
	}

	r.Reset(data)
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, &DecodeError{Offset: offset(), Frame: -1, Err: err}
	}
	if len(g.Image) == 0 {
		return nil, &DecodeError{Offset: offset(), Frame: -1, Err: ErrNoFrames}
	}

	return flatten(g)
}

// flatten replays the animation on a canvas the size of the logical screen,
// honouring each frame's disposal, and snapshots the canvas after every frame.
func flatten(g *gif.GIF) (*model.Document, error) {
	width, height := g.Config.Width, g.Config.Height
	screen := image.Rect(0, 0, width, height)

	canvas := image.NewNRGBA(screen)
	saved := make([]byte, len(canvas.Pix))

	doc := &model.Document{
		Width:     width,
		Height:    height,
		LoopCount: g.LoopCount,
		Frames:    make([]model.Frame, 0, len(g.Image)),
	}

	var (
		prevRect     image.Rectangle
		prevDisposal model.Disposal
	)
	for i, pm := range g.Image {
		disposal := model.DisposalNone
		if i < len(g.Disposal) {
			disposal = model.Disposal(g.Disposal[i])
		}
		if disposal > model.DisposalRestorePrevious {
			// reserved values
			disposal = model.DisposalNone
		}
		delay := 0
		if i < len(g.Delay) {
			delay = g.Delay[i]
		}

		if i > 0 {
			switch prevDisposal {
			case model.DisposalRestoreBackground:
				clearRect(canvas, prevRect)
			case model.DisposalRestorePrevious:
				copy(canvas.Pix, saved)
			}
		}

		rect := pm.Bounds().Intersect(screen)
		if rect != pm.Bounds() {
			return nil, &DecodeError{
				Offset: -1,
				Frame:  i,
				Err:    fmt.Errorf("frame bounds %v outside canvas %v", pm.Bounds(), screen),
			}
		}
		if disposal == model.DisposalRestorePrevious {
			copy(saved, canvas.Pix)
		}

		drawPaletted(canvas, pm)

		pix := make([]byte, len(canvas.Pix))
		copy(pix, canvas.Pix)
		doc.Frames = append(doc.Frames, model.Frame{
			Pix:      pix,
			Width:    width,
			Height:   height,
			Delay:    delay,
			Disposal: disposal,
		})

		prevRect, prevDisposal = rect, disposal
	}

	return doc, nil
}

// drawPaletted paints the opaque pixels of pm over canvas. Transparent
// palette entries leave the canvas untouched.
func drawPaletted(canvas *image.NRGBA, pm *image.Paletted) {
	lut := make([]color.NRGBA, 256)
	for i, c := range pm.Palette {
		lut[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
	}

	b := pm.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		src := pm.Pix[pm.PixOffset(b.Min.X, y):]
		dst := canvas.Pix[canvas.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			c := lut[src[x]]
			if c.A == 0 {
				continue
			}
			d := dst[x*4 : x*4+4 : x*4+4]
			d[0], d[1], d[2], d[3] = c.R, c.G, c.B, c.A
		}
	}
}

func clearRect(canvas *image.NRGBA, r image.Rectangle) {
	r = r.Intersect(canvas.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := canvas.Pix[canvas.PixOffset(r.Min.X, y):canvas.PixOffset(r.Max.X, y)]
		clear(row)
	}
}

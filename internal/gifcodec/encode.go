package gifcodec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"math"

	"github.com/disintegration/imaging"
	"github.com/ericpauley/go-quantize/quantize"

	"github.com/aliskhannn/gifmark/internal/model"
)

const (
	MinQuality     = 1
	MaxQuality     = 30
	DefaultQuality = 10

	// Frames at or below this quality are dithered after quantization.
	ditherQuality = 10
	// Frames at or below this quality average colours inside a median-cut
	// box instead of picking the most frequent one.
	meanQuality = 20

	// Pixels below this alpha are written as the transparent index.
	alphaThreshold = 128

	maxDelay = math.MaxUint16
)

// EncodeOptions controls GIF encoding.
type EncodeOptions struct {
	// Quality trades palette fidelity for speed, 1 (best) to 30 (fastest).
	// Zero selects DefaultQuality.
	Quality int
	// LoopCount overrides the document loop count when set.
	LoopCount *int
	// Progress is called after each frame is palettised. Returning an error
	// aborts encoding with that error.
	Progress func(done, total int) error
}

// ClampQuality maps q into [MinQuality, MaxQuality], zero meaning default.
func ClampQuality(q int) int {
	switch {
	case q == 0:
		return DefaultQuality
	case q < MinQuality:
		return MinQuality
	case q > MaxQuality:
		return MaxQuality
	}
	return q
}

// Encode writes doc as an animated GIF with one local colour table per frame.
func Encode(doc *model.Document, opts EncodeOptions) ([]byte, error) {
	if doc == nil || len(doc.Frames) == 0 {
		return nil, &EncodeError{Frame: -1, Err: ErrNoFrames}
	}
	if doc.Width <= 0 || doc.Height <= 0 {
		return nil, &EncodeError{Frame: -1, Err: ErrEmptyImage}
	}
	for i, f := range doc.Frames {
		if f.Width != doc.Width || f.Height != doc.Height {
			return nil, &EncodeError{
				Frame: i,
				Err:   fmt.Errorf("frame is %dx%d, document is %dx%d", f.Width, f.Height, doc.Width, doc.Height),
			}
		}
		if err := f.Validate(); err != nil {
			return nil, &EncodeError{Frame: i, Err: err}
		}
	}

	quality := ClampQuality(opts.Quality)
	loop := doc.LoopCount
	if opts.LoopCount != nil {
		loop = *opts.LoopCount
	}

	n := len(doc.Frames)
	g := &gif.GIF{
		Image:     make([]*image.Paletted, n),
		Delay:     make([]int, n),
		Disposal:  make([]byte, n),
		LoopCount: loop,
		Config:    image.Config{Width: doc.Width, Height: doc.Height},
	}
	transparent := make([]bool, n)

	for i, f := range doc.Frames {
		g.Image[i], transparent[i] = palettize(f, quality)
		g.Delay[i] = min(max(f.Delay, 0), maxDelay)

		if opts.Progress != nil {
			if err := opts.Progress(i+1, n); err != nil {
				return nil, err
			}
		}
	}

	for i, f := range doc.Frames {
		disposal := f.Disposal
		if disposal > model.DisposalRestorePrevious {
			disposal = model.DisposalNone
		}
		// Full-canvas frames would otherwise show stale pixels through the
		// transparent holes of the next frame.
		if i+1 < n && transparent[i+1] {
			disposal = model.DisposalRestoreBackground
		}
		g.Disposal[i] = byte(disposal)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, &EncodeError{Frame: -1, Err: err}
	}

	return buf.Bytes(), nil
}

// palettize converts a frame into a paletted image. Frames with few enough
// colours keep them exactly; others are quantized with median cut.
func palettize(f model.Frame, quality int) (*image.Paletted, bool) {
	count, hasTransparent := distinctColors(f.Pix)

	capacity := 256
	if hasTransparent {
		capacity--
	}

	var pm *image.Paletted
	if count <= capacity {
		pm = exactPaletted(f, count)
	} else {
		pm = quantizedPaletted(f, quality, capacity)
	}

	if hasTransparent {
		idx := uint8(len(pm.Palette))
		pm.Palette = append(pm.Palette, color.RGBA{})
		for i, j := 3, 0; i < len(f.Pix); i, j = i+4, j+1 {
			if f.Pix[i] < alphaThreshold {
				pm.Pix[j] = idx
			}
		}
	}

	return pm, hasTransparent
}

func rgbKey(p []byte) uint32 {
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
}

// distinctColors counts distinct opaque colours, stopping at 257 since that
// is enough to know a frame does not fit a palette.
func distinctColors(pix []byte) (int, bool) {
	seen := make(map[uint32]struct{}, 256)
	hasTransparent := false
	for i := 0; i < len(pix); i += 4 {
		if pix[i+3] < alphaThreshold {
			hasTransparent = true
			continue
		}
		if len(seen) > 256 {
			continue
		}
		seen[rgbKey(pix[i:i+3])] = struct{}{}
	}
	return len(seen), hasTransparent
}

// exactPaletted indexes colours in order of first appearance.
func exactPaletted(f model.Frame, count int) *image.Paletted {
	index := make(map[uint32]uint8, count)
	palette := make(color.Palette, 0, count+1)
	pm := image.NewPaletted(image.Rect(0, 0, f.Width, f.Height), nil)

	for i, j := 0, 0; i < len(f.Pix); i, j = i+4, j+1 {
		if f.Pix[i+3] < alphaThreshold {
			continue
		}
		key := rgbKey(f.Pix[i : i+3])
		idx, ok := index[key]
		if !ok {
			idx = uint8(len(palette))
			index[key] = idx
			palette = append(palette, color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: 0xff})
		}
		pm.Pix[j] = idx
	}
	if len(palette) == 0 {
		// fully transparent frame
		palette = append(palette, color.RGBA{A: 0xff})
	}

	pm.Palette = palette
	return pm
}

func quantizedPaletted(f model.Frame, quality, capacity int) *image.Paletted {
	img := f.Image()
	rect := img.Rect

	var sample image.Image = img
	if quality > MinQuality {
		step := math.Sqrt(float64(quality))
		w := int(float64(f.Width) / step)
		h := int(float64(f.Height) / step)
		if w >= 1 && h >= 1 {
			sample = imaging.Resize(img, w, h, imaging.NearestNeighbor)
		}
	}

	q := quantize.MedianCutQuantizer{
		Aggregation: quantize.Mode,
		Weighting:   opaqueWeight,
	}
	if quality <= meanQuality {
		q.Aggregation = quantize.Mean
	}
	palette := opaquePalette(q.Quantize(make(color.Palette, 0, capacity), sample))

	pm := image.NewPaletted(rect, palette)
	if quality <= ditherQuality {
		draw.FloydSteinberg.Draw(pm, rect, img, image.Point{})
		return pm
	}

	cache := make(map[uint32]uint8, 1024)
	for i, j := 0, 0; i < len(f.Pix); i, j = i+4, j+1 {
		key := rgbKey(f.Pix[i : i+3])
		idx, ok := cache[key]
		if !ok {
			idx = uint8(palette.Index(color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: 0xff}))
			cache[key] = idx
		}
		pm.Pix[j] = idx
	}
	return pm
}

// opaqueWeight keeps transparent pixels out of the colour histogram.
func opaqueWeight(img image.Image, x, y int) uint32 {
	if _, _, _, a := img.At(x, y).RGBA(); a>>8 < alphaThreshold {
		return 0
	}
	return 1
}

// opaquePalette forces every entry opaque and drops duplicates.
func opaquePalette(p color.Palette) color.Palette {
	out := make(color.Palette, 0, len(p))
	seen := make(map[uint32]struct{}, len(p))
	for _, c := range p {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		key := uint32(n.R)<<16 | uint32(n.G)<<8 | uint32(n.B)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, color.RGBA{R: n.R, G: n.G, B: n.B, A: 0xff})
	}
	if len(out) == 0 {
		out = append(out, color.RGBA{A: 0xff})
	}
	return out
}

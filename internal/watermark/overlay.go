package watermark

import "image"

// Overlay is a rendered watermark surface. It is never modified after
// construction, so one overlay can be shared by every frame and goroutine.
type Overlay struct {
	img   *image.NRGBA
	empty bool
}

func newOverlay(img *image.NRGBA) *Overlay {
	empty := true
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			empty = false
			break
		}
	}
	return &Overlay{img: img, empty: empty}
}

func blankOverlay(width, height int) *Overlay {
	return &Overlay{img: image.NewNRGBA(image.Rect(0, 0, width, height)), empty: true}
}

// Image returns the overlay pixels. Callers must not write to it.
func (o *Overlay) Image() *image.NRGBA { return o.img }

// Bounds returns the overlay rectangle, anchored at the origin.
func (o *Overlay) Bounds() image.Rectangle { return o.img.Rect }

// Empty reports whether every overlay pixel is fully transparent.
func (o *Overlay) Empty() bool { return o.empty }

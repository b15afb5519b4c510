// Package compositor blends a watermark overlay onto animation frames.
package compositor

import (
	"errors"
	"fmt"

	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/watermark"
)

var ErrSizeMismatch = errors.New("overlay size does not match frame")

// Composite returns a new frame with overlay drawn over f using
// non-premultiplied source-over blending. f is not modified.
func Composite(f model.Frame, overlay *watermark.Overlay) (model.Frame, error) {
	if err := f.Validate(); err != nil {
		return model.Frame{}, err
	}
	b := overlay.Bounds()
	if b.Dx() != f.Width || b.Dy() != f.Height {
		return model.Frame{}, fmt.Errorf("%w: overlay %dx%d, frame %dx%d", ErrSizeMismatch, b.Dx(), b.Dy(), f.Width, f.Height)
	}

	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	if overlay.Empty() {
		return f.WithPix(pix), nil
	}

	src := overlay.Image()
	row := f.Width * 4
	for y := 0; y < f.Height; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+row]
		d := pix[y*row : (y+1)*row]
		for i := 0; i < row; i += 4 {
			if s[i+3] == 0 {
				continue
			}
			blend(d[i:i+4:i+4], s[i:i+4:i+4])
		}
	}

	return f.WithPix(pix), nil
}

// blend writes src over dst in place. Both are non-premultiplied RGBA.
func blend(dst, src []byte) {
	sa := uint32(src[3])
	if sa == 0xff || dst[3] == 0 {
		copy(dst, src)
		return
	}

	// alphas scaled by 255 to keep the arithmetic in integers
	da := uint32(dst[3]) * (0xff - sa)
	outA := sa*0xff + da

	for c := 0; c < 3; c++ {
		v := (uint32(src[c])*sa*0xff + uint32(dst[c])*da + outA/2) / outA
		dst[c] = uint8(min(v, 0xff))
	}
	dst[3] = uint8((outA + 0x7f) / 0xff)
}

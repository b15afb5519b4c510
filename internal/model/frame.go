package model

import (
	"fmt"
	"image"
)

// Disposal tells a renderer what to do with a frame's area before the next
// frame is drawn. Values match the GIF89a graphic control extension.
type Disposal uint8

const (
	DisposalNone              Disposal = iota // not specified by the encoder
	DisposalDoNotDispose                      // leave the frame in place
	DisposalRestoreBackground                 // clear the frame's area
	DisposalRestorePrevious                   // restore what was there before the frame
)

// String returns the human-readable name of the disposal method.
func (d Disposal) String() string {
	switch d {
	case DisposalNone:
		return "none"
	case DisposalDoNotDispose:
		return "do-not-dispose"
	case DisposalRestoreBackground:
		return "restore-background"
	case DisposalRestorePrevious:
		return "restore-previous"
	default:
		return fmt.Sprintf("disposal(%d)", uint8(d))
	}
}

// Frame is one full-canvas raster of an animation.
//
// Pix holds non-premultiplied RGBA samples, row-major, with no padding
// between rows. Frames are treated as immutable: operations that change
// pixels return a new Frame.
type Frame struct {
	Pix      []byte
	Width    int
	Height   int
	Delay    int // centiseconds
	Disposal Disposal
}

// NewFrame allocates a fully transparent frame of the given size.
func NewFrame(width, height, delay int, disposal Disposal) Frame {
	return Frame{
		Pix:      make([]byte, width*height*4),
		Width:    width,
		Height:   height,
		Delay:    delay,
		Disposal: disposal,
	}
}

// Validate checks the pixel buffer length invariant.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 4; len(f.Pix) != want {
		return fmt.Errorf("frame buffer has %d bytes, want %d", len(f.Pix), want)
	}
	return nil
}

// Image returns an *image.NRGBA view sharing the frame's pixel buffer.
// The view must not be written to.
func (f Frame) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// WithPix returns a copy of the frame metadata carrying a new pixel buffer.
func (f Frame) WithPix(pix []byte) Frame {
	f.Pix = pix
	return f
}

// Document is a decoded animated GIF whose frames all share the canvas size.
type Document struct {
	Width  int
	Height int
	// LoopCount follows image/gif: 0 loops forever, -1 plays once,
	// n > 0 repeats n times.
	LoopCount int
	Frames    []Frame
}

// TotalDelay returns the summed delay of all frames in centiseconds.
func (d *Document) TotalDelay() int {
	total := 0
	for _, f := range d.Frames {
		total += f.Delay
	}
	return total
}

// Bounds returns the canvas rectangle.
func (d *Document) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.Width, d.Height)
}

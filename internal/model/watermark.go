package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/disintegration/imaging"
)

// WatermarkKind selects which watermark variant a spec describes.
type WatermarkKind string

const (
	KindText  WatermarkKind = "text"
	KindImage WatermarkKind = "image"
	KindTiled WatermarkKind = "tiled"
)

const (
	DefaultFontSize = 24.0
	DefaultScale    = 1.0

	MaxScale    = 16.0
	MaxFontSize = 1024.0
	MinSpacing  = 4.0 // px
	MaxSpacing  = 1 << 16
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ErrInvalidWatermark is wrapped by every field validation failure.
var ErrInvalidWatermark = errors.New("invalid watermark")

// UnsupportedWatermarkError is returned for a spec whose kind is unknown.
type UnsupportedWatermarkError struct {
	Kind WatermarkKind
}

func (e *UnsupportedWatermarkError) Error() string {
	return fmt.Sprintf("unsupported watermark kind %q", string(e.Kind))
}

// Position is a point on the canvas expressed in percent of width and height.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// HexColor is an NRGBA colour that (un)marshals as #RRGGBB or #RRGGBBAA.
type HexColor color.NRGBA

// MarshalText implements encoding.TextMarshaler.
func (c HexColor) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *HexColor) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimSpace(string(text)), "#")
	if len(s) != 6 && len(s) != 8 {
		return fmt.Errorf("%w: color %q must be #RRGGBB or #RRGGBBAA", ErrInvalidWatermark, string(text))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: color %q: %v", ErrInvalidWatermark, string(text), err)
	}
	a := uint8(0xff)
	if len(b) == 4 {
		a = b[3]
	}
	*c = HexColor{R: b[0], G: b[1], B: b[2], A: a}
	return nil
}

// NRGBA returns the colour as a color.NRGBA.
func (c HexColor) NRGBA() color.NRGBA {
	return color.NRGBA(c)
}

// WatermarkSpec describes a watermark. Kind selects the active variant;
// fields that belong to other variants are ignored.
type WatermarkSpec struct {
	Kind WatermarkKind `json:"kind"`

	Opacity  float64  `json:"opacity"`  // 0..1
	Rotation float64  `json:"rotation"` // degrees
	Position Position `json:"position"` // ignored for tiled
	Scale    float64  `json:"scale"`

	// Text content, also used by tiled specs without an image.
	Text     string   `json:"text,omitempty"`
	FontSize float64  `json:"font_size,omitempty"`
	Color    HexColor `json:"color"`

	// Image content, also used by tiled specs when set.
	Image image.Image `json:"-"`

	Spacing float64 `json:"spacing,omitempty"` // tiled grid pitch in px
}

// UsesImage reports whether the spec draws a bitmap rather than text.
func (s WatermarkSpec) UsesImage() bool {
	return s.Kind == KindImage || (s.Kind == KindTiled && s.Image != nil)
}

// Blank reports whether the spec cannot put a visible pixel on the canvas.
func (s WatermarkSpec) Blank() bool {
	if s.Opacity <= 0 {
		return true
	}
	if s.UsesImage() {
		return s.Image == nil || s.Image.Bounds().Empty()
	}
	return s.Text == ""
}

// Validate checks the kind and field ranges.
func (s WatermarkSpec) Validate() error {
	switch s.Kind {
	case KindText, KindImage, KindTiled:
	default:
		return &UnsupportedWatermarkError{Kind: s.Kind}
	}

	if !finite(s.Opacity) || s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("%w: opacity %v outside [0,1]", ErrInvalidWatermark, s.Opacity)
	}
	if !finite(s.Rotation) {
		return fmt.Errorf("%w: rotation %v", ErrInvalidWatermark, s.Rotation)
	}
	if !finite(s.Scale) || s.Scale < 0 || s.Scale > MaxScale {
		return fmt.Errorf("%w: scale %v outside [0,%v]", ErrInvalidWatermark, s.Scale, MaxScale)
	}
	if s.Kind != KindTiled {
		x, y := s.Position.X, s.Position.Y
		if !finite(x) || !finite(y) || x < 0 || x > 100 || y < 0 || y > 100 {
			return fmt.Errorf("%w: position (%v,%v) outside [0,100]", ErrInvalidWatermark, x, y)
		}
	}
	if !finite(s.FontSize) || s.FontSize < 0 || s.FontSize > MaxFontSize {
		return fmt.Errorf("%w: font size %v outside [0,%v]", ErrInvalidWatermark, s.FontSize, MaxFontSize)
	}

	switch s.Kind {
	case KindImage:
		if s.Image == nil {
			return fmt.Errorf("%w: image watermark without a bitmap", ErrInvalidWatermark)
		}
	case KindTiled:
		if !finite(s.Spacing) || s.Spacing < MinSpacing || s.Spacing > MaxSpacing {
			return fmt.Errorf("%w: tile spacing %v outside [%v,%v]", ErrInvalidWatermark, s.Spacing, MinSpacing, MaxSpacing)
		}
	}

	return nil
}

// Snapshot validates the spec and returns a normalised copy that shares
// nothing mutable with the receiver.
func (s WatermarkSpec) Snapshot() (WatermarkSpec, error) {
	if err := s.Validate(); err != nil {
		return WatermarkSpec{}, err
	}

	out := s
	out.Rotation = math.Mod(s.Rotation, 360)
	if out.Rotation < 0 {
		out.Rotation += 360
	}
	if out.Scale == 0 {
		out.Scale = DefaultScale
	}
	if out.FontSize == 0 {
		out.FontSize = DefaultFontSize
	}
	if out.Color == (HexColor{}) {
		out.Color = HexColor{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	if s.Image != nil {
		out.Image = imaging.Clone(s.Image)
	}

	return out, nil
}

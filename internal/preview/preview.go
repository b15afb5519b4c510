// Package preview renders still previews of watermarked GIFs.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/aliskhannn/gifmark/internal/gifcodec"
)

// Size limits for thumbnails.
const (
	DefaultSize = 256
	MaxSize     = 1024
)

var ErrInvalidSize = errors.New("invalid preview size")

// FirstFrame decodes a GIF and returns its first composed frame.
func FirstFrame(data []byte) (*image.NRGBA, error) {
	doc, err := gifcodec.Decode(data)
	if err != nil {
		return nil, err
	}
	return doc.Frames[0].Image(), nil
}

// Thumbnail returns the first frame of a GIF scaled and cropped to
// width x height, encoded as PNG.
func Thumbnail(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || width > MaxSize || height > MaxSize {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	frame, err := FirstFrame(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gif: %w", err)
	}

	thumb := imaging.Thumbnail(frame, width, height, imaging.Lanczos)

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return buf.Bytes(), nil
}

package frame

import (
	"bytes"
	"fmt"
	"image/jpeg"
)

// DefaultJPEGQuality is the quality used for every delivered JPEG part.
const DefaultJPEGQuality = 85

// EncodeJPEG encodes the frame as a baseline JPEG at the given quality (1-100).
func EncodeJPEG(f Frame, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	img, err := f.RGBA()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(f.Data) / 8)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("frame: JPEG encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

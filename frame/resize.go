package frame

import (
	"image"

	"golang.org/x/image/draw"
)

// Resize scales the frame to width x height using bilinear interpolation.
// A frame that already has the requested size is returned unchanged.
func Resize(f Frame, width, height int) (Frame, error) {
	if f.Width == width && f.Height == height {
		return f, nil
	}

	src, err := f.RGBA()
	if err != nil {
		return Frame{}, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := FromRGBA(dst)
	out.Seq = f.Seq
	out.Timestamp = f.Timestamp
	out.TraceID = f.TraceID
	return out, nil
}

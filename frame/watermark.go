package frame

import (
	"image"
	"image/color"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// WatermarkLayout is the layout of the burned-in timestamp text.
const WatermarkLayout = "2006-01-02 15:04:05"

var watermarkColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// DrawTimestamp burns t into the top-left corner of f, in place.
//
// The caller must own f (see the package immutability contract).
func DrawTimestamp(f Frame, t time.Time) {
	if f.Validate() != nil {
		return
	}

	text := t.Format(WatermarkLayout)
	d := &font.Drawer{
		Dst:  f.View(),
		Src:  image.NewUniform(watermarkColor),
		Face: basicfont.Face7x13,
	}

	// second pass one pixel to the right thickens the stroke
	for _, dx := range []int{10, 11} {
		d.Dot = fixed.P(dx, 30)
		d.DrawString(text)
	}
}

// Watermark returns a copy of f with t burned in. f is not modified.
func Watermark(f Frame, t time.Time) Frame {
	c := f.Clone()
	DrawTimestamp(c, t)
	return c
}

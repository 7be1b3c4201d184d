package frame

import (
	"image"
	"image/color"
	"image/draw"
)

// RGB is a draw.Image view over a frame's packed RGB24 buffer.
//
// Writes through the view modify the underlying frame, so only use it on
// frames you own.
type RGB struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

var _ draw.Image = (*RGB)(nil)

// View wraps the frame's pixel buffer without copying.
func (f Frame) View() *RGB {
	return &RGB{
		Pix:    f.Data,
		Stride: f.Width * BytesPerPixel,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.offset(x, y)
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 255}
}

func (p *RGB) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	i := p.offset(x, y)
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	p.Pix[i] = rgba.R
	p.Pix[i+1] = rgba.G
	p.Pix[i+2] = rgba.B
}

func (p *RGB) offset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*BytesPerPixel
}

// RGBA converts the frame to an image.RGBA (alpha = 255).
func (f Frame) RGBA() (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < f.Width*f.Height; i++ {
		img.Pix[i*4+0] = f.Data[i*3+0]
		img.Pix[i*4+1] = f.Data[i*3+1]
		img.Pix[i*4+2] = f.Data[i*3+2]
		img.Pix[i*4+3] = 255
	}
	return img, nil
}

// FromRGBA builds a frame from an image.RGBA, dropping the alpha channel.
// Metadata (Seq, Timestamp, TraceID) is left for the caller to fill in.
func FromRGBA(img *image.RGBA) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h*BytesPerPixel)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			data[(y*w+x)*3+0] = row[x*4+0]
			data[(y*w+x)*3+1] = row[x*4+1]
			data[(y*w+x)*3+2] = row[x*4+2]
		}
	}
	return Frame{Width: w, Height: h, Data: data}
}

package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// Channels is the number of interleaved samples per pixel, in R, G, B order.
const Channels = 3

// ErrInvalidSize is returned when a frame would have a non-positive dimension.
var ErrInvalidSize = errors.New("frame dimensions must be positive")

// Frame is an 8-bit RGB raster stored row-major with a stride of
// Channels*Width. A Frame is never modified after construction; every
// operation in this package returns a new one.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	return &Frame{Width: width, Height: height, Pix: make([]uint8, width*height*Channels)}, nil
}

// FromPix builds a frame from a copy of pix.
func FromPix(width, height int, pix []uint8) (*Frame, error) {
	f, err := NewFrame(width, height)
	if err != nil {
		return nil, err
	}
	if len(pix) != len(f.Pix) {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d", len(pix), len(f.Pix))
	}
	copy(f.Pix, pix)
	return f, nil
}

// FromImage converts any image.Image into a Frame. Alpha is dropped after
// compositing over black.
func FromImage(img image.Image) (*Frame, error) {
	b := img.Bounds()
	f, err := NewFrame(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < f.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < f.Width; x++ {
				o := f.offset(x, y)
				copy(f.Pix[o:o+Channels], row[x*4:x*4+3])
			}
		}
	default:
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				o := f.offset(x, y)
				f.Pix[o] = uint8(r >> 8)
				f.Pix[o+1] = uint8(g >> 8)
				f.Pix[o+2] = uint8(bl >> 8)
			}
		}
	}
	return f, nil
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	o := f.offset(x, y)
	return color.RGBA{R: f.Pix[o], G: f.Pix[o+1], B: f.Pix[o+2], A: 0xff}
}

// RGB returns the three samples of pixel (x, y).
func (f *Frame) RGB(x, y int) (r, g, b uint8) {
	o := f.offset(x, y)
	return f.Pix[o], f.Pix[o+1], f.Pix[o+2]
}

// SameSize reports whether both frames share dimensions.
func (f *Frame) SameSize(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height
}

// Size formats the dimensions as WxH.
func (f *Frame) Size() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// RGBA returns an opaque *image.RGBA copy of the frame.
func (f *Frame) RGBA() *image.RGBA {
	dst := image.NewRGBA(f.Bounds())
	for i, j := 0, 0; i < len(f.Pix); i, j = i+Channels, j+4 {
		dst.Pix[j] = f.Pix[i]
		dst.Pix[j+1] = f.Pix[i+1]
		dst.Pix[j+2] = f.Pix[i+2]
		dst.Pix[j+3] = 0xff
	}
	return dst
}

func (f *Frame) offset(x, y int) int {
	return (y*f.Width + x) * Channels
}

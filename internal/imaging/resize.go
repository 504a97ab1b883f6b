package imaging

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Lanczos4 is the windowed-sinc kernel with a = 4 (8x8 taps) used for all
// upscaling before fusion.
var Lanczos4 = &draw.Kernel{Support: 4, At: lanczos4}

func lanczos4(t float64) float64 {
	if t == 0 {
		return 1
	}
	if t >= 4 {
		return 0
	}
	x := math.Pi * t
	return 4 * math.Sin(x) * math.Sin(x/4) / (x * x)
}

// Resize resamples src to width x height with the Lanczos4 kernel.
// Out-of-range results saturate to [0, 255].
func Resize(src *Frame, width, height int) (*Frame, error) {
	return scale(src, width, height, Lanczos4)
}

// Preview produces a cheap bilinear thumbnail at 1/divisor of the source size.
func Preview(src *Frame, divisor int) (*Frame, error) {
	if divisor < 1 {
		divisor = 1
	}
	return scale(src, max(1, src.Width/divisor), max(1, src.Height/divisor), draw.ApproxBiLinear)
}

func scale(src *Frame, width, height int, s draw.Scaler) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if width == src.Width && height == src.Height {
		return FromPix(width, height, src.Pix)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	s.Scale(dst, dst.Bounds(), src.RGBA(), src.Bounds(), draw.Src, nil)
	return FromImage(dst)
}

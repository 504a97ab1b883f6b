package imaging

import (
	"fmt"
	"math"

	"burstfuse/internal/geometry"
)

// BorderPolicy decides what a warped pixel becomes when its source
// coordinate falls outside the source frame.
type BorderPolicy int

const (
	// BorderConstant fills out-of-bounds pixels with black.
	BorderConstant BorderPolicy = iota
	// BorderReplicate clamps the source coordinate to the nearest edge pixel.
	BorderReplicate
)

// ParseBorderPolicy maps a config string onto a policy.
func ParseBorderPolicy(s string) (BorderPolicy, error) {
	switch s {
	case "", "constant", "black", "zero":
		return BorderConstant, nil
	case "replicate", "clamp":
		return BorderReplicate, nil
	default:
		return 0, fmt.Errorf("unknown border policy %q", s)
	}
}

func (b BorderPolicy) String() string {
	if b == BorderReplicate {
		return "replicate"
	}
	return "constant"
}

// identityTol is how close to identity a transform must be for Warp to
// copy the source instead of resampling it.
const identityTol = 1e-12

// edgeTol absorbs floating-point noise when a coordinate lands on an edge.
const edgeTol = 1e-9

// Warp renders src into a width x height frame in the coordinate system that
// h maps src into. Each output pixel is pulled from src through the inverse
// of h and sampled bilinearly. Source coordinates outside [0, W-1] x [0, H-1]
// are resolved by border.
func Warp(src *Frame, h geometry.Homography, width, height int, border BorderPolicy) (*Frame, error) {
	if h.IsIdentity(identityTol) && width == src.Width && height == src.Height {
		return FromPix(width, height, src.Pix)
	}
	inv, err := h.Inverse()
	if err != nil {
		return nil, err
	}
	dst, err := NewFrame(width, height)
	if err != nil {
		return nil, err
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p, ok := inv.Apply(geometry.Point{X: float64(x), Y: float64(y)})
			if !ok {
				continue
			}
			o := dst.offset(x, y)
			src.sampleBilinear(p.X, p.Y, border, dst.Pix[o:o+Channels])
		}
	}
	return dst, nil
}

// sampleBilinear writes the interpolated pixel at (sx, sy) into out.
// out is left untouched (black) for constant-border misses.
func (f *Frame) sampleBilinear(sx, sy float64, border BorderPolicy, out []uint8) {
	maxX, maxY := float64(f.Width-1), float64(f.Height-1)
	if sx < -edgeTol || sy < -edgeTol || sx > maxX+edgeTol || sy > maxY+edgeTol {
		if border == BorderConstant {
			return
		}
	}
	sx = math.Min(math.Max(sx, 0), maxX)
	sy = math.Min(math.Max(sy, 0), maxY)

	x0, y0 := int(sx), int(sy)
	x1, y1 := min(x0+1, f.Width-1), min(y0+1, f.Height-1)
	fx, fy := sx-float64(x0), sy-float64(y0)

	p00, p10 := f.offset(x0, y0), f.offset(x1, y0)
	p01, p11 := f.offset(x0, y1), f.offset(x1, y1)
	for c := 0; c < Channels; c++ {
		top := float64(f.Pix[p00+c])*(1-fx) + float64(f.Pix[p10+c])*fx
		bot := float64(f.Pix[p01+c])*(1-fx) + float64(f.Pix[p11+c])*fx
		out[c] = clamp8(top*(1-fy) + bot*fy)
	}
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

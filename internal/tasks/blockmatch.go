package tasks

import (
	"context"
	"fmt"
	"math"

	"burstfuse/internal/config"
	"burstfuse/internal/geometry"
	"burstfuse/internal/imaging"
)

// BlockMatcher finds correspondences without feature detection: a regular
// grid of textured patches from the candidate is searched in the reference
// by sum of absolute luma differences.
type BlockMatcher struct {
	grid      int
	patch     int
	search    int
	minStdDev float64
}

// NewBlockMatcher applies defaults for unset fields.
func NewBlockMatcher(cfg config.BlockMatchConfig) *BlockMatcher {
	b := &BlockMatcher{grid: cfg.Grid, patch: cfg.Patch, search: cfg.Search, minStdDev: 4}
	if b.grid < 2 {
		b.grid = 12
	}
	if b.patch < 3 {
		b.patch = 15
	}
	if b.patch%2 == 0 {
		b.patch++
	}
	if b.search < 1 {
		b.search = 24
	}
	return b
}

func (b *BlockMatcher) Name() string { return "blockmatch" }

func (b *BlockMatcher) IsAvailable() bool { return true }

func (b *BlockMatcher) Quality() float64 { return 0.5 }

// Correspondences returns at most grid*grid matches. Distance is the mean
// absolute luma difference of the best match.
func (b *BlockMatcher) Correspondences(ctx context.Context, reference, candidate FrameInput) (geometry.CorrespondenceSet, error) {
	ref, cand := newLumaPlane(reference.Frame), newLumaPlane(candidate.Frame)
	half := b.patch / 2
	margin := half + b.search
	if cand.w <= 2*margin || cand.h <= 2*margin || ref.w <= 2*half || ref.h <= 2*half {
		return nil, fmt.Errorf("frame %s too small for %dpx patches with %dpx search", candidate.Frame.Size(), b.patch, b.search)
	}

	var set geometry.CorrespondenceSet
	area := float64(b.patch * b.patch)
	for gy := 0; gy < b.grid; gy++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cy := margin + (cand.h-1-2*margin)*gy/(b.grid-1)
		for gx := 0; gx < b.grid; gx++ {
			cx := margin + (cand.w-1-2*margin)*gx/(b.grid-1)
			if cand.stdDev(cx, cy, half) < b.minStdDev {
				continue
			}
			dx, dy, cost, ok := b.bestOffset(ref, cand, cx, cy, half)
			if !ok {
				continue
			}
			set = append(set, geometry.Correspondence{
				Source:   geometry.Point{X: float64(cx), Y: float64(cy)},
				Target:   geometry.Point{X: float64(cx) + dx, Y: float64(cy) + dy},
				Distance: cost / area,
			})
		}
	}
	return set, nil
}

// bestOffset searches every integer offset within the radius and adds a
// sub-pixel correction from the neighbouring costs.
func (b *BlockMatcher) bestOffset(ref, cand *lumaPlane, cx, cy, half int) (dx, dy, cost float64, ok bool) {
	s := b.search
	cost = math.Inf(1)
	bx, by := 0, 0
	for oy := -s; oy <= s; oy++ {
		ry := cy + oy
		if ry < half || ry >= ref.h-half {
			continue
		}
		for ox := -s; ox <= s; ox++ {
			rx := cx + ox
			if rx < half || rx >= ref.w-half {
				continue
			}
			if c := sad(cand, cx, cy, ref, rx, ry, half, cost); c < cost {
				cost, bx, by = c, ox, oy
			}
		}
	}
	if math.IsInf(cost, 1) || bx == -s || bx == s || by == -s || by == s {
		return 0, 0, 0, false
	}

	full := func(ox, oy int) float64 {
		rx, ry := cx+ox, cy+oy
		if rx < half || ry < half || rx >= ref.w-half || ry >= ref.h-half {
			return math.Inf(1)
		}
		return sad(cand, cx, cy, ref, rx, ry, half, math.Inf(1))
	}
	sx := subpixel(full(bx-1, by), cost, full(bx+1, by))
	sy := subpixel(full(bx, by-1), cost, full(bx, by+1))
	return float64(bx) + sx, float64(by) + sy, cost, true
}

// subpixel fits a symmetric V through three costs and returns the offset of
// its apex, within [-0.5, 0.5].
func subpixel(left, centre, right float64) float64 {
	if math.IsInf(left, 1) || math.IsInf(right, 1) {
		return 0
	}
	slope := math.Max(left, right) - centre
	if slope <= 0 {
		return 0
	}
	return math.Max(-0.5, math.Min(0.5, (left-right)/(2*slope)))
}

// sad sums absolute differences of two square patches, stopping early once
// limit is exceeded.
func sad(a *lumaPlane, ax, ay int, b *lumaPlane, bx, by, half int, limit float64) float64 {
	var total float64
	for y := -half; y <= half; y++ {
		ra := a.pix[(ay+y)*a.w+ax-half : (ay+y)*a.w+ax+half+1]
		rb := b.pix[(by+y)*b.w+bx-half : (by+y)*b.w+bx+half+1]
		for i := range ra {
			d := ra[i] - rb[i]
			if d < 0 {
				d = -d
			}
			total += float64(d)
		}
		if total >= limit {
			return total
		}
	}
	return total
}

type lumaPlane struct {
	w, h int
	pix  []float32
}

func newLumaPlane(f *imaging.Frame) *lumaPlane {
	p := &lumaPlane{w: f.Width, h: f.Height, pix: make([]float32, f.Width*f.Height)}
	for i := range p.pix {
		o := i * imaging.Channels
		p.pix[i] = 0.299*float32(f.Pix[o]) + 0.587*float32(f.Pix[o+1]) + 0.114*float32(f.Pix[o+2])
	}
	return p
}

func (p *lumaPlane) stdDev(cx, cy, half int) float64 {
	var sum, sq float64
	n := float64((2*half + 1) * (2*half + 1))
	for y := cy - half; y <= cy+half; y++ {
		for _, v := range p.pix[y*p.w+cx-half : y*p.w+cx+half+1] {
			sum += float64(v)
			sq += float64(v) * float64(v)
		}
	}
	mean := sum / n
	return math.Sqrt(math.Max(0, sq/n-mean*mean))
}

package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// rankTol is the relative size below which the second smallest singular value
// marks the DLT system as rank deficient.
const rankTol = 1e-9

// normalization returns the similarity that moves the centroid of pts to the
// origin and scales their mean distance to sqrt(2).
func normalization(pts []Point) (Homography, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= n
	if mean < 1e-12 {
		return Homography{}, fmt.Errorf("%w: coincident points", ErrDegenerate)
	}
	s := math.Sqrt2 / mean
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}, nil
}

// fitDLT solves for the homography mapping src onto dst in the least-squares
// sense using the normalised direct linear transform.
func fitDLT(src, dst []Point) (Homography, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return Homography{}, fmt.Errorf("%w: %d point pairs", ErrInsufficientData, len(src))
	}
	ts, err := normalization(src)
	if err != nil {
		return Homography{}, err
	}
	td, err := normalization(dst)
	if err != nil {
		return Homography{}, err
	}

	rows := max(2*len(src), 9)
	a := mat.NewDense(rows, 9, nil)
	for i := range src {
		s, _ := ts.Apply(src[i])
		d, _ := td.Apply(dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return Homography{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerate)
	}
	sv := svd.Values(nil)
	if sv[0] == 0 || sv[7]/sv[0] < rankTol {
		return Homography{}, fmt.Errorf("%w: rank deficient point configuration", ErrDegenerate)
	}
	var v mat.Dense
	svd.VTo(&v)
	var hn Homography
	for i := range hn {
		hn[i] = v.At(i, 8)
	}

	tdInv, err := td.Inverse()
	if err != nil {
		return Homography{}, err
	}
	return NewHomography([9]float64(tdInv.Mul(hn).Mul(ts)))
}

// collinear reports whether a, b and c lie (almost) on one line.
func collinear(a, b, c Point) bool {
	ab, ac := b.Sub(a), c.Sub(a)
	la, lc := math.Hypot(ab.X, ab.Y), math.Hypot(ac.X, ac.Y)
	if la < 1e-9 || lc < 1e-9 {
		return true
	}
	return math.Abs(ab.X*ac.Y-ab.Y*ac.X) < 1e-3*la*lc
}

// degenerateSample reports whether any three of the four points are collinear.
func degenerateSample(p [4]Point) bool {
	return collinear(p[0], p[1], p[2]) || collinear(p[0], p[1], p[3]) ||
		collinear(p[0], p[2], p[3]) || collinear(p[1], p[2], p[3])
}

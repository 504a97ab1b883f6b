package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// minDet is the smallest |det| accepted for a normalised homography.
const minDet = 1e-8

// Homography is a 3x3 projective transform stored row-major and normalised
// so that H[8] == 1.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NewHomography normalises m and rejects non-invertible matrices.
func NewHomography(m [9]float64) (Homography, error) {
	var scale float64
	for _, v := range m {
		scale = math.Max(scale, math.Abs(v))
	}
	if scale == 0 || math.Abs(m[8]) < 1e-12*scale {
		return Homography{}, fmt.Errorf("%w: h33 is zero", ErrDegenerate)
	}
	var h Homography
	for i := range m {
		h[i] = m[i] / m[8]
	}
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Homography{}, fmt.Errorf("%w: non-finite coefficient", ErrDegenerate)
		}
	}
	if d := h.Det(); math.Abs(d) < minDet {
		return Homography{}, fmt.Errorf("%w: det=%g", ErrDegenerate, d)
	}
	return h, nil
}

// Apply maps p through the transform. ok is false when p maps to infinity.
func (h Homography) Apply(p Point) (q Point, ok bool) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < 1e-12 {
		return Point{}, false
	}
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}, true
}

// Det returns the determinant.
func (h Homography) Det() float64 {
	return h[0]*(h[4]*h[8]-h[5]*h[7]) -
		h[1]*(h[3]*h[8]-h[5]*h[6]) +
		h[2]*(h[3]*h[7]-h[4]*h[6])
}

// Inverse returns the normalised inverse transform.
func (h Homography) Inverse() (Homography, error) {
	if d := h.Det(); math.Abs(d) < minDet {
		return Homography{}, fmt.Errorf("%w: det=%g", ErrDegenerate, d)
	}
	var inv mat.Dense
	if err := inv.Inverse(h.Dense()); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	var m [9]float64
	copy(m[:], inv.RawMatrix().Data)
	return NewHomography(m)
}

// Mul returns the composition h*o, which applies o first.
func (h Homography) Mul(o Homography) Homography {
	var out mat.Dense
	out.Mul(h.Dense(), o.Dense())
	var m Homography
	copy(m[:], out.RawMatrix().Data)
	return m
}

// IsIdentity reports whether every coefficient is within tol of identity.
func (h Homography) IsIdentity(tol float64) bool {
	id := Identity()
	for i := range h {
		if math.Abs(h[i]-id[i]) > tol {
			return false
		}
	}
	return true
}

// Dense returns a gonum copy of the matrix.
func (h Homography) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, h[:])
	return mat.NewDense(3, 3, data)
}

func (h Homography) String() string {
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}

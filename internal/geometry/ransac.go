package geometry

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// RANSACOptions tunes the robust estimator.
type RANSACOptions struct {
	// Iterations is the number of minimal samples drawn.
	Iterations int
	// Threshold is the reprojection distance, in pixels, below which a
	// correspondence counts as an inlier.
	Threshold float64
	// MinInliers and MinInlierRatio bound the support a transform needs;
	// the larger of the two wins.
	MinInliers     int
	MinInlierRatio float64
}

// DefaultRANSACOptions mirrors the values the burst app shipped with.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{Iterations: 2000, Threshold: 5.0, MinInliers: 4, MinInlierRatio: 0.25}
}

// Estimate is the result of a successful robust fit.
type Estimate struct {
	H           Homography
	Inliers     []bool
	InlierCount int
	// Residuals holds the reprojection error of every correspondence under H.
	Residuals []float64
}

// InlierResiduals returns the residuals of the inliers only.
func (e Estimate) InlierResiduals() []float64 {
	out := make([]float64, 0, e.InlierCount)
	for i, ok := range e.Inliers {
		if ok {
			out = append(out, e.Residuals[i])
		}
	}
	return out
}

// Estimator fits homographies with random sample consensus. It is not safe
// for concurrent use because it owns its random source.
type Estimator struct {
	opts RANSACOptions
	rng  *rand.Rand
}

// NewEstimator wires an explicit random source so runs are reproducible.
func NewEstimator(opts RANSACOptions, rng *rand.Rand) *Estimator {
	def := DefaultRANSACOptions()
	if opts.Iterations <= 0 {
		opts.Iterations = def.Iterations
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.MinInliers < 4 {
		opts.MinInliers = 4
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	return &Estimator{opts: opts, rng: rng}
}

// NewSeededEstimator is a shorthand for an estimator driven by a PCG seeded
// with seed.
func NewSeededEstimator(opts RANSACOptions, seed uint64) *Estimator {
	return NewEstimator(opts, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Options returns the effective options.
func (e *Estimator) Options() RANSACOptions { return e.opts }

// Estimate fits the transform mapping each Source onto its Target, tolerant
// of outliers. It fails with ErrInsufficientData below four correspondences
// and with ErrDegenerate when no well-conditioned transform has enough
// support.
func (e *Estimator) Estimate(set CorrespondenceSet) (Estimate, error) {
	n := len(set)
	if n < 4 {
		return Estimate{}, fmt.Errorf("%w: need 4 correspondences, have %d", ErrInsufficientData, n)
	}
	need := max(e.opts.MinInliers, int(math.Ceil(e.opts.MinInlierRatio*float64(n))))

	var (
		best      Homography
		bestCount = -1
		bestErr   = math.Inf(1)
		found     bool
		idx       = make([]int, n)
	)
	for i := range idx {
		idx[i] = i
	}

	for it := 0; it < e.opts.Iterations; it++ {
		e.sample(idx)
		var src, dst [4]Point
		for k := 0; k < 4; k++ {
			src[k] = set[idx[k]].Source
			dst[k] = set[idx[k]].Target
		}
		if degenerateSample(src) || degenerateSample(dst) {
			continue
		}
		h, err := fitDLT(src[:], dst[:])
		if err != nil {
			continue
		}
		count, total := e.score(h, set)
		if count > bestCount || (count == bestCount && total < bestErr) {
			best, bestCount, bestErr, found = h, count, total, true
		}
		if bestCount == n {
			break
		}
	}
	if !found || bestCount < need {
		return Estimate{}, fmt.Errorf("%w: best support %d of %d, need %d", ErrDegenerate, max(bestCount, 0), n, need)
	}

	// Refit on every inlier of the winning candidate.
	var src, dst []Point
	for _, c := range set {
		if r := reprojection(best, c); r < e.opts.Threshold {
			src = append(src, c.Source)
			dst = append(dst, c.Target)
		}
	}
	refit, err := fitDLT(src, dst)
	if err != nil {
		return Estimate{}, err
	}

	est := Estimate{H: refit, Inliers: make([]bool, n), Residuals: make([]float64, n)}
	for i, c := range set {
		r := reprojection(refit, c)
		est.Residuals[i] = r
		if r < e.opts.Threshold {
			est.Inliers[i] = true
			est.InlierCount++
		}
	}
	if est.InlierCount < need {
		return Estimate{}, fmt.Errorf("%w: refit support %d of %d, need %d", ErrDegenerate, est.InlierCount, n, need)
	}
	return est, nil
}

// sample moves four distinct random indices to the front of idx.
func (e *Estimator) sample(idx []int) {
	for k := 0; k < 4; k++ {
		j := k + e.rng.IntN(len(idx)-k)
		idx[k], idx[j] = idx[j], idx[k]
	}
}

func (e *Estimator) score(h Homography, set CorrespondenceSet) (count int, total float64) {
	for _, c := range set {
		if r := reprojection(h, c); r < e.opts.Threshold {
			count++
			total += r
		}
	}
	return count, total
}

func reprojection(h Homography, c Correspondence) float64 {
	p, ok := h.Apply(c.Source)
	if !ok {
		return math.Inf(1)
	}
	return p.Dist(c.Target)
}

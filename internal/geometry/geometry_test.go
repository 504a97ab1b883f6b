package geometry

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSet(n int) CorrespondenceSet {
	set := make(CorrespondenceSet, n)
	for i := range set {
		// Descending distances so sorting has work to do.
		set[i] = Correspondence{
			Source:   Point{X: float64(i), Y: float64(2 * i)},
			Target:   Point{X: float64(i), Y: float64(2 * i)},
			Distance: float64(n - i),
		}
	}
	return set
}

func TestFilterRetention(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		n, want int
	}{
		{n: 10, want: 10},
		{n: 20, want: 10},
		{n: 67, want: 10},
		{n: 100, want: 15},
		{n: 1000, want: 150},
	} {
		got, err := FilterCorrespondences(makeSet(tc.n))
		require.NoError(t, err, "n=%d", tc.n)
		assert.Len(t, got, tc.want, "n=%d", tc.n)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		}
		// The retained entries are the smallest distances.
		assert.Equal(t, 1.0, got[0].Distance)
		assert.Equal(t, float64(tc.want), got[len(got)-1].Distance)
	}
}

func TestFilterInsufficientData(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 9} {
		_, err := FilterCorrespondences(makeSet(n))
		assert.ErrorIs(t, err, ErrInsufficientData, "n=%d", n)
	}
}

func TestFilterIsStableAndPure(t *testing.T) {
	t.Parallel()
	set := make(CorrespondenceSet, 12)
	for i := range set {
		set[i] = Correspondence{Source: Point{X: float64(i)}, Distance: 1}
	}
	set[11].Distance = 0
	orig := append(CorrespondenceSet(nil), set...)

	got, err := FilterCorrespondences(set)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, 11.0, got[0].Source.X)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, float64(i-1), got[i].Source.X, "tie order must follow input order")
	}
	if diff := cmp.Diff(orig, set); diff != "" {
		t.Fatalf("input mutated (-want +got):\n%s", diff)
	}
}

func TestHomographyInverse(t *testing.T) {
	t.Parallel()
	h, err := NewHomography([9]float64{1.1, 0.05, 12, -0.02, 0.95, -7, 1e-4, 2e-4, 1})
	require.NoError(t, err)
	inv, err := h.Inverse()
	require.NoError(t, err)
	prod, err := NewHomography([9]float64(h.Mul(inv)))
	require.NoError(t, err)
	assert.True(t, prod.IsIdentity(1e-9))

	p := Point{X: 40, Y: 25}
	q, ok := h.Apply(p)
	require.True(t, ok)
	back, ok := inv.Apply(q)
	require.True(t, ok)
	assert.InDelta(t, p.X, back.X, 1e-9)
	assert.InDelta(t, p.Y, back.Y, 1e-9)
}

func TestNewHomographyRejectsSingular(t *testing.T) {
	t.Parallel()
	_, err := NewHomography([9]float64{1, 2, 3, 2, 4, 6, 0, 0, 1})
	assert.ErrorIs(t, err, ErrDegenerate)
	_, err = NewHomography([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrDegenerate)
	_, err = Homography{1, 2, 3, 2, 4, 6, 0, 0, 1}.Inverse()
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestNewHomographyNormalises(t *testing.T) {
	t.Parallel()
	h, err := NewHomography([9]float64{2, 0, 10, 0, 2, 4, 0, 0, 2})
	require.NoError(t, err)
	want := Homography{1, 0, 5, 0, 1, 2, 0, 0, 1}
	if diff := cmp.Diff(want, h, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("normalised matrix mismatch (-want +got):\n%s", diff)
	}
}

func TestEstimateIdentity(t *testing.T) {
	t.Parallel()
	var set CorrespondenceSet
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			p := Point{X: float64(10 + 20*x), Y: float64(15 + 25*y)}
			set = append(set, Correspondence{Source: p, Target: p})
		}
	}
	est, err := NewSeededEstimator(DefaultRANSACOptions(), 7).Estimate(set)
	require.NoError(t, err)
	assert.True(t, est.H.IsIdentity(1e-9), "got %v", est.H)
	assert.Equal(t, len(set), est.InlierCount)
}

func TestEstimateRecoversTransformWithOutliers(t *testing.T) {
	t.Parallel()
	truth, err := NewHomography([9]float64{1.02, 0.01, 5, -0.015, 0.99, -3, 1e-5, -2e-5, 1})
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(42, 43))
	const n = 100
	set := make(CorrespondenceSet, n)
	outlier := make([]bool, n)
	for i := range set {
		src := Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
		dst, _ := truth.Apply(src)
		if i%10 < 3 {
			outlier[i] = true
			dst = Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
		} else {
			dst.X += (rng.Float64() - 0.5) * 0.5
			dst.Y += (rng.Float64() - 0.5) * 0.5
		}
		set[i] = Correspondence{Source: src, Target: dst, Distance: rng.Float64()}
	}

	est, err := NewSeededEstimator(DefaultRANSACOptions(), 1).Estimate(set)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, est.InlierCount, 70)
	for i, o := range outlier {
		if !o {
			assert.True(t, est.Inliers[i], "true inlier %d rejected", i)
		}
	}
	for _, p := range []Point{{0, 0}, {640, 0}, {0, 480}, {640, 480}, {320, 240}} {
		want, _ := truth.Apply(p)
		got, ok := est.H.Apply(p)
		require.True(t, ok)
		assert.Less(t, got.Dist(want), 1.0, "corner %v", p)
	}

	stats, err := SummarizeResiduals(est.InlierResiduals())
	require.NoError(t, err)
	assert.Less(t, stats.Mean, 1.0)
	assert.LessOrEqual(t, stats.Median, stats.Max)
}

func TestEstimateIsReproducibleForSeed(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(5, 6))
	set := make(CorrespondenceSet, 40)
	for i := range set {
		src := Point{X: rng.Float64() * 100, Y: rng.Float64() * 100}
		dst := Point{X: src.X + 3, Y: src.Y - 2}
		if i%4 == 0 {
			dst = Point{X: rng.Float64() * 100, Y: rng.Float64() * 100}
		}
		set[i] = Correspondence{Source: src, Target: dst}
	}
	a, err := NewSeededEstimator(DefaultRANSACOptions(), 99).Estimate(set)
	require.NoError(t, err)
	b, err := NewSeededEstimator(DefaultRANSACOptions(), 99).Estimate(set)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed produced different estimates (-a +b):\n%s", diff)
	}
	// Random outliers can land inside the threshold and join the refit, so
	// check reprojection of the true matches rather than exact coefficients.
	for i, c := range set {
		if i%4 == 0 {
			continue
		}
		got, ok := a.H.Apply(c.Source)
		require.True(t, ok)
		assert.Less(t, got.Dist(c.Target), 1.0, "match %d", i)
	}
}

func TestEstimateCollinearIsDegenerate(t *testing.T) {
	t.Parallel()
	set := make(CorrespondenceSet, 20)
	for i := range set {
		x := float64(i * 5)
		set[i] = Correspondence{
			Source: Point{X: x, Y: 2*x + 1},
			Target: Point{X: x + 4, Y: 2*x + 1},
		}
	}
	_, err := NewSeededEstimator(DefaultRANSACOptions(), 3).Estimate(set)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestEstimateNeedsFourPoints(t *testing.T) {
	t.Parallel()
	set := CorrespondenceSet{
		{Source: Point{0, 0}, Target: Point{0, 0}},
		{Source: Point{1, 0}, Target: Point{1, 0}},
		{Source: Point{0, 1}, Target: Point{0, 1}},
	}
	_, err := NewSeededEstimator(DefaultRANSACOptions(), 3).Estimate(set)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEstimateInsufficientSupportIsDegenerate(t *testing.T) {
	t.Parallel()
	// Pure noise: no transform explains a quarter of the matches.
	rng := rand.New(rand.NewPCG(11, 12))
	set := make(CorrespondenceSet, 60)
	for i := range set {
		set[i] = Correspondence{
			Source: Point{X: rng.Float64() * 1000, Y: rng.Float64() * 1000},
			Target: Point{X: rng.Float64() * 1000, Y: rng.Float64() * 1000},
		}
	}
	opts := DefaultRANSACOptions()
	opts.Iterations = 300
	_, err := NewSeededEstimator(opts, 3).Estimate(set)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestSummarizeResiduals(t *testing.T) {
	t.Parallel()
	got, err := SummarizeResiduals([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	assert.InDelta(t, 5.5, got.Mean, 1e-12)
	assert.InDelta(t, 5.5, got.Median, 1e-12)
	assert.InDelta(t, 9.0, got.P90, 1e-12)
	assert.InDelta(t, 10.0, got.Max, 1e-12)
	assert.False(t, math.IsNaN(got.Mean))

	_, err = SummarizeResiduals(nil)
	assert.Error(t, err)
}

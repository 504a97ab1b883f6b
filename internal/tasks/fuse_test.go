package tasks

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstfuse/internal/config"
	"burstfuse/internal/fusion"
	"burstfuse/internal/geometry"
	"burstfuse/internal/imaging"
)

// staticSupplier returns the same set for every candidate. Safe for
// concurrent use.
type staticSupplier struct {
	set geometry.CorrespondenceSet
	err error
}

func (s staticSupplier) Name() string      { return "static" }
func (s staticSupplier) IsAvailable() bool { return true }
func (s staticSupplier) Quality() float64  { return 1 }
func (s staticSupplier) Correspondences(ctx context.Context, reference, candidate FrameInput) (geometry.CorrespondenceSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.set, s.err
}

// smoothFrame renders a band-limited pattern; shift moves the content right.
func smoothFrame(t *testing.T, w, h int, shift float64) *imaging.Frame {
	t.Helper()
	f, err := imaging.NewFrame(w, h)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := float64(x) - shift
			o := (y*w + x) * imaging.Channels
			f.Pix[o] = uint8(128 + 60*math.Sin(u/5)*math.Cos(float64(y)/7))
			f.Pix[o+1] = uint8(128 + 50*math.Cos(u/9+float64(y)/6))
			f.Pix[o+2] = uint8(128 + 40*math.Sin((u+float64(y))/11))
		}
	}
	return f
}

func noiseFrame(t *testing.T, w, h int, dx, dy int, seed uint64) *imaging.Frame {
	t.Helper()
	base := rand.New(rand.NewPCG(seed, 7))
	src := make([]uint8, (w+64)*(h+64))
	for i := range src {
		src[i] = uint8(base.IntN(256))
	}
	f, err := imaging.NewFrame(w, h)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := src[(y-dy+32)*(w+64)+x-dx+32]
			o := (y*w + x) * imaging.Channels
			f.Pix[o], f.Pix[o+1], f.Pix[o+2] = v, v, v
		}
	}
	return f
}

// translationSet builds 36 grid correspondences consistent with the
// reference = candidate - (shift, 0) plus 4 gross outliers.
func translationSet(shift float64) geometry.CorrespondenceSet {
	var set geometry.CorrespondenceSet
	for k := 0; k < 36; k++ {
		src := geometry.Point{X: float64(15 + 14*(k%6)), Y: float64(15 + 14*(k/6))}
		set = append(set, geometry.Correspondence{
			Source:   src,
			Target:   geometry.Point{X: src.X - shift, Y: src.Y},
			Distance: float64(1 + (k*13)%36),
		})
	}
	outliers := [][4]float64{{20, 80, 70, 10}, {85, 30, 10, 90}, {50, 50, 90, 85}, {30, 20, 75, 60}}
	for i, o := range outliers {
		set = append(set, geometry.Correspondence{
			Source:   geometry.Point{X: o[0], Y: o[1]},
			Target:   geometry.Point{X: o[2], Y: o[3]},
			Distance: 0.5 + 3*float64(i),
		})
	}
	return set
}

func TestFuserTranslatedPair(t *testing.T) {
	ref := smoothFrame(t, 100, 100, 0)
	cand := smoothFrame(t, 100, 100, 5)

	var states []State
	f := &Fuser{
		Aligner: &Aligner{
			Supplier: staticSupplier{set: translationSet(5)},
			RANSAC:   geometry.DefaultRANSACOptions(),
			Seed:     42,
		},
		Options:  FuseOptions{Upscale: 2, AlignWorkers: 2},
		Observer: func(tr Transition) { states = append(states, tr.To) },
	}
	out := f.Run(context.Background(), []FrameInput{
		{Name: "ref", Frame: ref},
		{Name: "cand", Frame: cand},
	})
	require.Equal(t, Done, out.State, out.Reason)
	assert.Equal(t, []State{LoadingFrames, Aligning, Fusing, Done}, states)
	require.Len(t, out.Alignments, 1)
	a := out.Alignments[0]
	require.Equal(t, Aligned, a.Kind, a.Reason)
	p, ok := a.H.Apply(geometry.Point{X: 50, Y: 50})
	require.True(t, ok)
	assert.InDelta(t, 45, p.X, 1e-6)
	assert.InDelta(t, 50, p.Y, 1e-6)

	require.Equal(t, 200, out.Fused.Width)
	require.Equal(t, 200, out.Fused.Height)
	assert.Equal(t, 50, out.Preview.Width)
	assert.Equal(t, "done: 200x200, aligned 1/1", out.Summary())

	want, err := imaging.Resize(ref, 200, 200)
	require.NoError(t, err)
	var sum float64
	n := 0
	for y := 50; y < 150; y++ {
		for x := 50; x < 150; x++ {
			o := (y*200 + x) * imaging.Channels
			for c := 0; c < imaging.Channels; c++ {
				sum += math.Abs(float64(out.Fused.Pix[o+c]) - float64(want.Pix[o+c]))
				n++
			}
		}
	}
	assert.Less(t, sum/float64(n), 5.0)
}

func TestFuserSingleFrameFails(t *testing.T) {
	var transitions []Transition
	f := &Fuser{Observer: func(tr Transition) { transitions = append(transitions, tr) }}
	out := f.Run(context.Background(), []FrameInput{{Frame: smoothFrame(t, 10, 10, 0)}})

	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, ErrInsufficientFrames)
	assert.Nil(t, out.Fused)
	assert.Nil(t, out.Preview)
	require.Len(t, transitions, 2)
	assert.Equal(t, Failed, transitions[1].To)
	assert.NotEmpty(t, transitions[1].Reason)
	assert.Contains(t, out.Summary(), "failed")
}

func TestFuserFallbackKeepsRunAlive(t *testing.T) {
	frames := []FrameInput{
		{Frame: smoothFrame(t, 40, 30, 0)},
		{Frame: smoothFrame(t, 40, 30, 1)},
		{Frame: smoothFrame(t, 40, 30, 2)},
	}
	f := &Fuser{
		Aligner: &Aligner{Supplier: staticSupplier{err: errors.New("camera unplugged")}},
		Options: FuseOptions{Upscale: 1},
	}
	out := f.Run(context.Background(), frames)
	require.Equal(t, Done, out.State, out.Reason)
	assert.Equal(t, 0, out.AlignedCount())
	assert.Equal(t, 2, out.Candidates)
	for _, a := range out.Alignments {
		assert.Equal(t, Fallback, a.Kind)
		assert.Equal(t, "matcher_error", a.Reason)
		assert.Same(t, frames[a.Index].Frame, a.Frame)
	}
}

func TestFuserFallbackSizeMismatchFails(t *testing.T) {
	f := &Fuser{
		Aligner: &Aligner{Supplier: staticSupplier{set: translationSet(0)[:3]}},
		Options: FuseOptions{Upscale: 1},
	}
	out := f.Run(context.Background(), []FrameInput{
		{Frame: smoothFrame(t, 40, 30, 0)},
		{Frame: smoothFrame(t, 30, 30, 0)},
	})
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, fusion.ErrSizeMismatch)
	assert.Nil(t, out.Fused)
	require.Len(t, out.Alignments, 1)
	assert.Equal(t, "insufficient_data", out.Alignments[0].Reason)
}

func TestFuserCancelledSkipsFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Fuser{
		Aligner: &Aligner{Supplier: staticSupplier{set: translationSet(0)}},
		Options: FuseOptions{Upscale: 1, AlignWorkers: 1},
	}
	frames := []FrameInput{
		{Frame: smoothFrame(t, 20, 20, 0)},
		{Frame: smoothFrame(t, 20, 20, 0)},
		{Frame: smoothFrame(t, 20, 20, 0)},
	}
	out := f.Run(ctx, frames)
	require.Equal(t, Done, out.State, out.Reason)
	assert.Empty(t, out.Alignments)
	assert.Equal(t, 2, out.Skipped())
	assert.Equal(t, frames[0].Frame.Pix, out.Fused.Pix)
}

// cancellingSupplier cancels the run on its first call and still answers,
// so exactly one candidate is aligned.
type cancellingSupplier struct {
	staticSupplier
	cancel context.CancelFunc
	calls  *atomic.Int32
}

func (s cancellingSupplier) Correspondences(ctx context.Context, reference, candidate FrameInput) (geometry.CorrespondenceSet, error) {
	s.calls.Add(1)
	s.cancel()
	return s.set, nil
}

func flatFrame(t *testing.T, w, h int, v uint8) *imaging.Frame {
	t.Helper()
	f, err := imaging.NewFrame(w, h)
	require.NoError(t, err)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestFuserCancelledMidRunFusesStartedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := new(atomic.Int32)
	f := &Fuser{
		Aligner: &Aligner{
			Supplier: cancellingSupplier{staticSupplier: staticSupplier{set: translationSet(0)}, cancel: cancel, calls: calls},
			RANSAC:   geometry.DefaultRANSACOptions(),
		},
		Options: FuseOptions{Upscale: 1, AlignWorkers: 1},
	}
	frames := []FrameInput{
		{Frame: flatFrame(t, 20, 20, 100)},
		{Frame: flatFrame(t, 20, 20, 200)},
		{Frame: flatFrame(t, 20, 20, 40)},
		{Frame: flatFrame(t, 20, 20, 40)},
	}
	out := f.Run(ctx, frames)
	require.Equal(t, Done, out.State, out.Reason)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, out.Alignments, 1)
	assert.Equal(t, Aligned, out.Alignments[0].Kind, out.Alignments[0].Reason)
	assert.Equal(t, 1, out.Alignments[0].Index)
	assert.Equal(t, len(frames)-2, out.Skipped())
	assert.Equal(t, "done: 20x20, aligned 1/3", out.Summary())
	// Reference (100) and the one started frame (200) only.
	for i, v := range out.Fused.Pix {
		require.Equal(t, uint8(150), v, "sample %d", i)
	}
}

func TestFuserLockedStrategyMatchesPartial(t *testing.T) {
	frames := []FrameInput{
		{Frame: smoothFrame(t, 50, 40, 0)},
		{Frame: smoothFrame(t, 50, 40, 0)},
		{Frame: smoothFrame(t, 50, 40, 0)},
	}
	identity := translationSet(0)
	run := func(s fusion.Strategy) Outcome {
		f := &Fuser{
			Aligner: &Aligner{Supplier: staticSupplier{set: identity}, RANSAC: geometry.DefaultRANSACOptions()},
			Options: FuseOptions{Upscale: 2, Fusion: fusion.Options{Strategy: s, Workers: 2}},
		}
		return f.Run(context.Background(), frames)
	}
	partial, locked := run(fusion.StrategyPartial), run(fusion.StrategyLocked)
	require.Equal(t, Done, partial.State, partial.Reason)
	require.Equal(t, Done, locked.State, locked.Reason)
	assert.Equal(t, partial.Fused.Pix, locked.Fused.Pix)
	assert.Equal(t, 2, partial.AlignedCount())
}

func TestFuserWithBlockMatcher(t *testing.T) {
	ref := noiseFrame(t, 120, 100, 0, 0, 3)
	cand := noiseFrame(t, 120, 100, 3, 2, 3)
	f := &Fuser{
		Aligner: &Aligner{
			Supplier: NewBlockMatcher(config.BlockMatchConfig{}),
			RANSAC:   geometry.DefaultRANSACOptions(),
			Seed:     1,
		},
		Options: FuseOptions{Upscale: 1},
	}
	out := f.Run(context.Background(), []FrameInput{{Name: "a", Frame: ref}, {Name: "b", Frame: cand}})
	require.Equal(t, Done, out.State, out.Reason)
	require.Len(t, out.Alignments, 1)
	assert.Equal(t, Aligned, out.Alignments[0].Kind, out.Alignments[0].Reason)
	assert.GreaterOrEqual(t, out.Alignments[0].Inliers, 10)
}

func TestLoadFramesRejectsRAWWithoutLoader(t *testing.T) {
	if imaging.HasLoader(".nef") {
		t.Skip("built with a RAW loader")
	}
	_, err := LoadFrames(context.Background(), []string{"/nowhere/IMG_0001.NEF"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRAWUnsupported)
}

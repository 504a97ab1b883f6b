package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"burstfuse/internal/geometry"
	"burstfuse/internal/imaging"
)

// CorrespondenceSupplier produces point matches between a candidate frame
// (Source) and the reference frame (Target).
type CorrespondenceSupplier interface {
	Name() string
	IsAvailable() bool
	// Quality ranks suppliers when none is requested explicitly.
	Quality() float64
	Correspondences(ctx context.Context, reference, candidate FrameInput) (geometry.CorrespondenceSet, error)
}

// FrameInput is one decoded frame of a burst and its position in it.
type FrameInput struct {
	Index int
	Name  string
	Frame *imaging.Frame
}

// AlignmentKind tags an AlignmentResult.
type AlignmentKind int

const (
	// Aligned frames were warped onto the reference grid.
	Aligned AlignmentKind = iota
	// Fallback frames are the unmodified input after a failed alignment.
	Fallback
)

func (k AlignmentKind) String() string {
	if k == Fallback {
		return "fallback"
	}
	return "aligned"
}

// AlignmentResult is the per-frame outcome of alignment. Frame is always
// usable for fusion; H is only meaningful when Kind is Aligned.
type AlignmentResult struct {
	Index     int
	Name      string
	Kind      AlignmentKind
	Frame     *imaging.Frame
	H         geometry.Homography
	Reason    string
	Err       error
	Matches   int
	Inliers   int
	Residuals geometry.ResidualStats
	Duration  time.Duration

	// Filtered is the subset handed to the estimator. InlierMask marks its
	// inliers and is nil unless estimation succeeded.
	Filtered   geometry.CorrespondenceSet
	InlierMask []bool
}

// Aligner runs correspondences -> filter -> estimator -> warp for one frame.
type Aligner struct {
	Supplier CorrespondenceSupplier
	Filter   geometry.FilterOptions
	RANSAC   geometry.RANSACOptions
	// Seed drives the estimator; frame i uses Seed+i so results do not
	// depend on worker scheduling.
	Seed   uint64
	Border imaging.BorderPolicy
}

// Align maps candidate onto the reference grid. Failures never escape: they
// produce a Fallback result carrying the original frame and the cause.
func (a *Aligner) Align(ctx context.Context, reference, candidate FrameInput) AlignmentResult {
	start := time.Now()
	res := AlignmentResult{Index: candidate.Index, Name: candidate.Name}
	fallback := func(err error) AlignmentResult {
		res.Kind = Fallback
		res.Frame = candidate.Frame
		res.Err = err
		res.Reason = fallbackReason(err)
		res.Duration = time.Since(start)
		return res
	}

	if a.Supplier == nil {
		return fallback(errors.New("no correspondence supplier configured"))
	}
	set, err := a.Supplier.Correspondences(ctx, reference, candidate)
	if err != nil {
		return fallback(fmt.Errorf("%s: %w", a.Supplier.Name(), err))
	}
	res.Matches = len(set)

	var filtered geometry.CorrespondenceSet
	if a.Filter.MinKeep <= 0 && a.Filter.KeepFraction <= 0 {
		filtered, err = geometry.FilterCorrespondences(set)
	} else {
		filtered, err = a.Filter.Filter(set)
	}
	if err != nil {
		return fallback(err)
	}
	res.Filtered = filtered
	est, err := geometry.NewSeededEstimator(a.RANSAC, a.Seed+uint64(candidate.Index)).Estimate(filtered)
	if err != nil {
		return fallback(err)
	}
	res.Inliers = est.InlierCount
	res.InlierMask = est.Inliers
	if stats, err := geometry.SummarizeResiduals(est.InlierResiduals()); err == nil {
		res.Residuals = stats
	}

	warped, err := imaging.Warp(candidate.Frame, est.H, reference.Frame.Width, reference.Frame.Height, a.Border)
	if err != nil {
		return fallback(err)
	}
	res.Kind = Aligned
	res.Frame = warped
	res.H = est.H
	res.Duration = time.Since(start)
	return res
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, geometry.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, geometry.ErrDegenerate):
		return "degenerate"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "matcher_error"
	}
}

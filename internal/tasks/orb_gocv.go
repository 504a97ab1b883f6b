//go:build opencv

package tasks

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"burstfuse/internal/config"
	"burstfuse/internal/geometry"
	"burstfuse/internal/imaging"
)

func init() {
	RegisterMatcherFactory("orb", func(cfg *config.AlignmentConfig) CorrespondenceSupplier {
		features := 500
		if cfg != nil && cfg.ORB.Features > 0 {
			features = cfg.ORB.Features
		}
		return &ORBSupplier{features: features}
	})
}

// ORBSupplier detects ORB keypoints in both frames and pairs them with a
// brute-force Hamming matcher.
type ORBSupplier struct {
	features int
}

func (s *ORBSupplier) Name() string { return "orb" }

func (s *ORBSupplier) IsAvailable() bool { return true }

func (s *ORBSupplier) Quality() float64 { return 0.8 }

func (s *ORBSupplier) Correspondences(ctx context.Context, reference, candidate FrameInput) (geometry.CorrespondenceSet, error) {
	refGray, err := grayMat(reference.Frame)
	if err != nil {
		return nil, err
	}
	defer refGray.Close()
	candGray, err := grayMat(candidate.Frame)
	if err != nil {
		return nil, err
	}
	defer candGray.Close()

	orb := gocv.NewORBWithParams(s.features, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	refKP, refDesc := orb.DetectAndCompute(refGray, mask)
	defer refDesc.Close()
	candKP, candDesc := orb.DetectAndCompute(candGray, mask)
	defer candDesc.Close()
	if refDesc.Empty() || candDesc.Empty() {
		return nil, fmt.Errorf("no ORB descriptors (reference %d, candidate %d keypoints)", len(refKP), len(candKP))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()
	matches := bf.Match(refDesc, candDesc)

	set := make(geometry.CorrespondenceSet, 0, len(matches))
	for _, m := range matches {
		r, c := refKP[m.QueryIdx], candKP[m.TrainIdx]
		set = append(set, geometry.Correspondence{
			Source:   geometry.Point{X: c.X, Y: c.Y},
			Target:   geometry.Point{X: r.X, Y: r.Y},
			Distance: m.Distance,
		})
	}
	return set, nil
}

func grayMat(f *imaging.Frame) (gocv.Mat, error) {
	rgb, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer rgb.Close()
	gray := gocv.NewMat()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)
	return gray, nil
}

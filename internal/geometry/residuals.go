package geometry

import (
	"github.com/montanaflynn/stats"
)

// ResidualStats summarises reprojection errors in pixels.
type ResidualStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	Max    float64 `json:"max"`
}

// SummarizeResiduals computes the mean, median, 90th percentile and maximum
// of r.
func SummarizeResiduals(r []float64) (ResidualStats, error) {
	var out ResidualStats
	var err error
	if out.Mean, err = stats.Mean(r); err != nil {
		return ResidualStats{}, err
	}
	if out.Median, err = stats.Median(r); err != nil {
		return ResidualStats{}, err
	}
	if out.P90, err = stats.Percentile(r, 90); err != nil {
		return ResidualStats{}, err
	}
	if out.Max, err = stats.Max(r); err != nil {
		return ResidualStats{}, err
	}
	return out, nil
}

package report

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"burstfuse/internal/geometry"
)

// Frame describes one candidate frame's alignment for diagnostics.
type Frame struct {
	Index      int                    `json:"index"`
	Name       string                 `json:"name"`
	Outcome    string                 `json:"outcome"`
	Reason     string                 `json:"reason,omitempty"`
	Matches    int                    `json:"matches"`
	Inliers    int                    `json:"inliers"`
	Residuals  geometry.ResidualStats `json:"residuals"`
	Homography [9]float64             `json:"homography"`
	Plot       string                 `json:"plot,omitempty"`

	Set        geometry.CorrespondenceSet `json:"-"`
	InlierMask []bool                     `json:"-"`
}

// Summary aggregates a run.
type Summary struct {
	Frames         int      `json:"frames"`
	Aligned        int      `json:"aligned"`
	Fallback       int      `json:"fallback"`
	MedianInliers  float64  `json:"median_inliers"`
	MeanResidual   float64  `json:"mean_residual"`
	WorstResidual  float64  `json:"worst_residual"`
	FallbackReason []string `json:"fallback_reasons,omitempty"`
}

// Report is written as report.json next to one scatter plot per frame.
type Report struct {
	JobID   string  `json:"job_id"`
	Frames  []Frame `json:"frames"`
	Summary Summary `json:"summary"`
}

// Summarize fills r.Summary from r.Frames.
func (r *Report) Summarize() {
	s := Summary{Frames: len(r.Frames)}
	var inliers, means, maxes []float64
	for _, f := range r.Frames {
		if f.Outcome == "aligned" {
			s.Aligned++
			inliers = append(inliers, float64(f.Inliers))
			means = append(means, f.Residuals.Mean)
			maxes = append(maxes, f.Residuals.Max)
			continue
		}
		s.Fallback++
		s.FallbackReason = append(s.FallbackReason, f.Reason)
	}
	if len(inliers) > 0 {
		s.MedianInliers, _ = stats.Median(inliers)
		s.MeanResidual, _ = stats.Mean(means)
		s.WorstResidual, _ = stats.Max(maxes)
	}
	r.Summary = s
}

// Write renders the plots and report.json into dir and returns the path of
// the JSON file.
func (r *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for i := range r.Frames {
		f := &r.Frames[i]
		if len(f.Set) == 0 {
			continue
		}
		name := fmt.Sprintf("frame_%02d_matches.png", f.Index)
		if err := Scatter(filepath.Join(dir, name), *f); err != nil {
			return "", fmt.Errorf("plot frame %d: %w", f.Index, err)
		}
		f.Plot = name
	}
	r.Summarize()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "report.json")
	return path, os.WriteFile(path, append(data, '\n'), 0o644)
}

var (
	inlierColor  = color.RGBA{R: 30, G: 140, B: 60, A: 255}
	outlierColor = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

// Scatter plots the displacement (target - source) of every correspondence.
// A consistent transform shows up as a tight inlier cluster.
func Scatter(path string, f Frame) error {
	var in, out plotter.XYs
	for i, c := range f.Set {
		d := c.Target.Sub(c.Source)
		xy := plotter.XY{X: d.X, Y: d.Y}
		if i < len(f.InlierMask) && f.InlierMask[i] {
			in = append(in, xy)
		} else {
			out = append(out, xy)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame %d - %s (%d/%d inliers)", f.Index, f.Outcome, len(in), len(f.Set))
	p.X.Label.Text = "dx (px)"
	p.Y.Label.Text = "dy (px)"
	p.Add(plotter.NewGrid())

	for _, series := range []struct {
		label string
		pts   plotter.XYs
		color color.Color
		shape draw.GlyphDrawer
	}{
		{"inliers", in, inlierColor, draw.CircleGlyph{}},
		{"outliers", out, outlierColor, draw.CrossGlyph{}},
	} {
		if len(series.pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(series.pts)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = series.color
		s.GlyphStyle.Shape = series.shape
		s.GlyphStyle.Radius = vg.Points(3)
		p.Add(s)
		p.Legend.Add(series.label, s)
	}
	p.Legend.Top = true

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}

package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstfuse/internal/geometry"
)

func TestWriteReport(t *testing.T) {
	set := geometry.CorrespondenceSet{
		{Source: geometry.Point{X: 10, Y: 10}, Target: geometry.Point{X: 5, Y: 10}},
		{Source: geometry.Point{X: 40, Y: 30}, Target: geometry.Point{X: 35, Y: 30}},
		{Source: geometry.Point{X: 20, Y: 70}, Target: geometry.Point{X: 80, Y: 5}},
	}
	r := &Report{
		JobID: "job-1",
		Frames: []Frame{
			{Index: 1, Name: "b.jpg", Outcome: "aligned", Matches: 3, Inliers: 2,
				Residuals: geometry.ResidualStats{Mean: 0.5, Max: 1},
				Set:       set, InlierMask: []bool{true, true, false}},
			{Index: 2, Name: "c.jpg", Outcome: "fallback", Reason: "degenerate"},
			{Index: 3, Name: "d.jpg", Outcome: "aligned", Inliers: 6,
				Residuals: geometry.ResidualStats{Mean: 1.5, Max: 3}},
		},
	}
	dir := t.TempDir()
	path, err := r.Write(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "frame_01_matches.png"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "frame_02_matches.png"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 2, back.Summary.Aligned)
	assert.Equal(t, 1, back.Summary.Fallback)
	assert.Equal(t, 4.0, back.Summary.MedianInliers)
	assert.Equal(t, 1.0, back.Summary.MeanResidual)
	assert.Equal(t, 3.0, back.Summary.WorstResidual)
	assert.Equal(t, []string{"degenerate"}, back.Summary.FallbackReason)
	assert.Equal(t, "frame_01_matches.png", back.Frames[0].Plot)
}

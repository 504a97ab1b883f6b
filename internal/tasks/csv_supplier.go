package tasks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"

	"burstfuse/internal/geometry"
)

// correspondenceRow is the on-disk layout of one match.
type correspondenceRow struct {
	SrcX     float64 `csv:"src_x"`
	SrcY     float64 `csv:"src_y"`
	DstX     float64 `csv:"dst_x"`
	DstY     float64 `csv:"dst_y"`
	Distance float64 `csv:"distance"`
}

// ReadCorrespondences parses a CSV with the header
// src_x,src_y,dst_x,dst_y,distance.
func ReadCorrespondences(r io.Reader) (geometry.CorrespondenceSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []correspondenceRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse correspondences: %w", err)
	}
	set := make(geometry.CorrespondenceSet, 0, len(rows))
	for i, row := range rows {
		if row.Distance < 0 {
			return nil, fmt.Errorf("row %d: negative distance %g", i+1, row.Distance)
		}
		set = append(set, geometry.Correspondence{
			Source:   geometry.Point{X: row.SrcX, Y: row.SrcY},
			Target:   geometry.Point{X: row.DstX, Y: row.DstY},
			Distance: row.Distance,
		})
	}
	return set, nil
}

// WriteCorrespondences writes set in the format ReadCorrespondences accepts.
func WriteCorrespondences(w io.Writer, set geometry.CorrespondenceSet) error {
	rows := make([]correspondenceRow, len(set))
	for i, c := range set {
		rows[i] = correspondenceRow{SrcX: c.Source.X, SrcY: c.Source.Y, DstX: c.Target.X, DstY: c.Target.Y, Distance: c.Distance}
	}
	b, err := csvutil.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// CSVSupplier serves correspondences precomputed by an external matcher.
// Files are looked up by candidate name in files, then as
// <dir>/<candidate base name without extension>.csv.
type CSVSupplier struct {
	dir   string
	files map[string]string
}

// NewCSVSupplier creates a supplier; it reports unavailable when given
// neither a directory nor explicit files.
func NewCSVSupplier(dir string, files map[string]string) *CSVSupplier {
	return &CSVSupplier{dir: dir, files: files}
}

func (s *CSVSupplier) Name() string { return "csv" }

func (s *CSVSupplier) IsAvailable() bool { return s.dir != "" || len(s.files) > 0 }

// Quality is highest: explicit data beats anything estimated here.
func (s *CSVSupplier) Quality() float64 { return 1.0 }

func (s *CSVSupplier) Correspondences(ctx context.Context, reference, candidate FrameInput) (geometry.CorrespondenceSet, error) {
	path := s.pathFor(candidate.Name)
	if path == "" {
		return nil, fmt.Errorf("no correspondence file for %q", candidate.Name)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCorrespondences(f)
}

func (s *CSVSupplier) pathFor(name string) string {
	if p, ok := s.files[name]; ok {
		return p
	}
	base := filepath.Base(name)
	if p, ok := s.files[base]; ok {
		return p
	}
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, strings.TrimSuffix(base, filepath.Ext(base))+".csv")
}

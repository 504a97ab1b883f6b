package tasks

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"burstfuse/internal/config"
	"burstfuse/internal/geometry"
	"burstfuse/internal/imaging"
)

func TestBlockMatcherRecoversShift(t *testing.T) {
	ref := noiseFrame(t, 120, 100, 0, 0, 11)
	cand := noiseFrame(t, 120, 100, 3, 2, 11)

	bm := NewBlockMatcher(config.BlockMatchConfig{})
	set, err := bm.Correspondences(context.Background(), FrameInput{Frame: ref}, FrameInput{Index: 1, Frame: cand})
	if err != nil {
		t.Fatalf("Correspondences: %v", err)
	}
	if len(set) < 100 {
		t.Fatalf("expected most grid patches to match, got %d", len(set))
	}
	for _, c := range set {
		d := c.Target.Sub(c.Source)
		if math.Abs(d.X+3) > 0.5 || math.Abs(d.Y+2) > 0.5 {
			t.Fatalf("match %+v has offset %+v, want about (-3,-2)", c, d)
		}
		if c.Distance != 0 {
			t.Fatalf("exact shift should give zero cost, got %v", c.Distance)
		}
	}
}

func TestBlockMatcherSkipsFlatFrames(t *testing.T) {
	flat, _ := imaging.NewFrame(120, 100)
	set, err := NewBlockMatcher(config.BlockMatchConfig{}).Correspondences(context.Background(), FrameInput{Frame: flat}, FrameInput{Frame: flat})
	if err != nil {
		t.Fatalf("Correspondences: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("flat frame should yield no matches, got %d", len(set))
	}
}

func TestBlockMatcherRejectsTinyFrames(t *testing.T) {
	tiny, _ := imaging.NewFrame(20, 20)
	if _, err := NewBlockMatcher(config.BlockMatchConfig{}).Correspondences(context.Background(), FrameInput{Frame: tiny}, FrameInput{Frame: tiny}); err == nil {
		t.Fatalf("expected error for a frame smaller than the search window")
	}
}

func TestCSVRoundTripThroughSupplier(t *testing.T) {
	dir := t.TempDir()
	set := translationSet(5)

	var buf bytes.Buffer
	if err := WriteCorrespondences(&buf, set); err != nil {
		t.Fatalf("WriteCorrespondences: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "src_x,src_y,dst_x,dst_y,distance\n") {
		t.Fatalf("unexpected header: %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}
	if err := os.WriteFile(filepath.Join(dir, "IMG_0002.csv"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewCSVSupplier(dir, nil)
	if !s.IsAvailable() {
		t.Fatalf("supplier with a directory should be available")
	}
	got, err := s.Correspondences(context.Background(), FrameInput{}, FrameInput{Name: "/photos/IMG_0002.jpg"})
	if err != nil {
		t.Fatalf("Correspondences: %v", err)
	}
	if len(got) != len(set) {
		t.Fatalf("expected %d rows, got %d", len(set), len(got))
	}
	if got[7] != set[7] {
		t.Fatalf("row 7 = %+v, want %+v", got[7], set[7])
	}
}

func TestCSVRejectsNegativeDistance(t *testing.T) {
	in := "src_x,src_y,dst_x,dst_y,distance\n1,2,3,4,-1\n"
	if _, err := ReadCorrespondences(strings.NewReader(in)); err == nil {
		t.Fatalf("expected error for negative distance")
	}
}

func TestCSVSupplierUnavailableWithoutSource(t *testing.T) {
	if NewCSVSupplier("", nil).IsAvailable() {
		t.Fatalf("supplier without files should be unavailable")
	}
}

func TestAlignerIdentity(t *testing.T) {
	frame := smoothFrame(t, 100, 100, 0)
	a := &Aligner{Supplier: staticSupplier{set: translationSet(0)}, RANSAC: geometry.DefaultRANSACOptions()}
	res := a.Align(context.Background(), FrameInput{Frame: frame}, FrameInput{Index: 1, Name: "same", Frame: frame})
	if res.Kind != Aligned {
		t.Fatalf("expected aligned, got %s (%v)", res.Kind, res.Err)
	}
	if !res.H.IsIdentity(1e-6) {
		t.Fatalf("expected identity, got %v", res.H)
	}
	if !bytes.Equal(res.Frame.Pix, frame.Pix) {
		t.Fatalf("identity warp changed pixels")
	}
	if res.Residuals.Max > 1e-6 {
		t.Fatalf("unexpected residuals %+v", res.Residuals)
	}
}

func TestAlignerFallbackReasons(t *testing.T) {
	frame := smoothFrame(t, 30, 30, 0)
	collinear := make(geometry.CorrespondenceSet, 12)
	for i := range collinear {
		p := geometry.Point{X: float64(i), Y: float64(i)}
		collinear[i] = geometry.Correspondence{Source: p, Target: p, Distance: 1}
	}
	cases := []struct {
		name   string
		set    geometry.CorrespondenceSet
		reason string
	}{
		{"too few", translationSet(0)[:9], "insufficient_data"},
		{"collinear", collinear, "degenerate"},
	}
	for _, tc := range cases {
		a := &Aligner{Supplier: staticSupplier{set: tc.set}, RANSAC: geometry.DefaultRANSACOptions()}
		res := a.Align(context.Background(), FrameInput{Frame: frame}, FrameInput{Index: 1, Frame: frame})
		if res.Kind != Fallback || res.Reason != tc.reason {
			t.Fatalf("%s: got %s/%s, want fallback/%s", tc.name, res.Kind, res.Reason, tc.reason)
		}
		if res.Frame != frame {
			t.Fatalf("%s: fallback must return the original frame", tc.name)
		}
	}
}

func TestManifestResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Frames:          []string{"a.jpg", "b.jpg"},
		Correspondences: map[string]string{"b.jpg": "b.csv"},
		Upscale:         3,
		Output:          "out",
	}
	path := filepath.Join(dir, "shot.burst.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got.Frames[1] != filepath.Join(dir, "b.jpg") || got.Output != filepath.Join(dir, "out") {
		t.Fatalf("paths not resolved: %+v", got)
	}
	s := got.Supplier()
	if s == nil || s.pathFor(filepath.Join(dir, "b.jpg")) != filepath.Join(dir, "b.csv") {
		t.Fatalf("correspondence file not resolved: %+v", got.Correspondences)
	}
}

func TestManifestNeedsTwoFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.burst.json")
	if err := os.WriteFile(path, []byte(`{"frames":["a.jpg"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatalf("expected error for a single-frame manifest")
	}
}

func TestDirSinkAndOutputName(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	if got := OutputName(now, imaging.FormatJPEG, ""); got != "superres_1700000000123.jpg" {
		t.Fatalf("OutputName = %q", got)
	}
	if got := OutputName(now, imaging.FormatPNG, "preview"); got != "superres_1700000000123_preview.png" {
		t.Fatalf("OutputName preview = %q", got)
	}

	fused := smoothFrame(t, 16, 12, 0)
	preview, _ := imaging.Preview(fused, 4)
	dir := filepath.Join(t.TempDir(), "nested")
	saved, err := SaveOutcome(context.Background(), DirSink{Dir: dir}, Outcome{State: Done, Fused: fused, Preview: preview}, imaging.FormatPNG, 0, true, now)
	if err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	if saved.MIME != "image/png" {
		t.Fatalf("MIME = %q", saved.MIME)
	}
	back, err := imaging.Load(saved.Fused)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(back.Pix, fused.Pix) {
		t.Fatalf("saved PNG differs from the fused frame")
	}
	if _, err := os.Stat(saved.Preview); err != nil {
		t.Fatalf("preview missing: %v", err)
	}
	if _, err := SaveOutcome(context.Background(), DirSink{Dir: dir}, Outcome{State: Failed}, imaging.FormatPNG, 0, false, now); err == nil {
		t.Fatalf("expected error saving a failed run")
	}
}

func TestScanFindsBursts(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	touch := func(name string, at time.Time) {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, at, at); err != nil {
			t.Fatal(err)
		}
	}
	touch("IMG_0101.jpg", base)
	touch("IMG_0102.jpg", base.Add(time.Minute))
	touch("IMG_0103.jpg", base.Add(2*time.Minute))
	touch("IMG_0200.jpg", base.Add(10*time.Minute))
	touch("beach.png", base.Add(20*time.Minute))
	touch("sunset.png", base.Add(20*time.Minute+2*time.Second))
	touch("superres_1.jpg", base.Add(20*time.Minute+3*time.Second))
	touch("shot.burst.json", base)

	res, err := Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Images) != 6 {
		t.Fatalf("expected 6 images, got %d: %v", len(res.Images), res.Images)
	}
	if len(res.Manifests) != 1 {
		t.Fatalf("expected one manifest, got %v", res.Manifests)
	}
	byDetection := map[string]Burst{}
	for _, b := range res.Bursts {
		byDetection[b.Detection] = b
	}
	seq, ok := byDetection["filename_sequence"]
	if !ok || seq.Count() != 3 || filepath.Base(seq.Frames[0]) != "IMG_0101.jpg" {
		t.Fatalf("sequence burst not found: %+v", res.Bursts)
	}
	ts, ok := byDetection["timestamp_cluster"]
	if !ok || ts.Count() != 2 {
		t.Fatalf("timestamp burst not found: %+v", res.Bursts)
	}
	m := seq.Manifest(2, "out")
	if len(m.Frames) != 3 || m.Upscale != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestSubSecDigits(t *testing.T) {
	cases := map[any]time.Duration{
		"37":       370 * time.Millisecond,
		"5":        500 * time.Millisecond,
		float64(8): 800 * time.Millisecond,
		nil:        0,
	}
	for in, want := range cases {
		if got := subSec(in); got != want {
			t.Fatalf("subSec(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestCaptureTimesFallBackToModTime(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(p, []byte("not a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := os.Chtimes(p, at, at); err != nil {
		t.Fatal(err)
	}
	times := captureTimes(context.Background(), []string{p, filepath.Join(dir, "missing.jpg")})
	if got, ok := times[p]; !ok || !got.Equal(at) {
		t.Fatalf("expected mod time %v, got %v (%v)", at, got, ok)
	}
	if len(times) != 1 {
		t.Fatalf("missing file should be skipped: %v", times)
	}
}

func TestAlignerHonoursFilterOptions(t *testing.T) {
	frame := smoothFrame(t, 100, 100, 0)
	set := translationSet(0)[:9]

	def := &Aligner{Supplier: staticSupplier{set: set}, RANSAC: geometry.DefaultRANSACOptions()}
	if res := def.Align(context.Background(), FrameInput{Frame: frame}, FrameInput{Index: 1, Frame: frame}); res.Reason != "insufficient_data" {
		t.Fatalf("default filter should need 10 matches, got %s/%s", res.Kind, res.Reason)
	}

	loose := &Aligner{
		Supplier: staticSupplier{set: set},
		Filter:   geometry.FilterOptions{MinKeep: 4, KeepFraction: 1},
		RANSAC:   geometry.DefaultRANSACOptions(),
	}
	res := loose.Align(context.Background(), FrameInput{Frame: frame}, FrameInput{Index: 1, Frame: frame})
	if res.Kind != Aligned {
		t.Fatalf("expected aligned with MinKeep 4, got %s (%v)", res.Kind, res.Err)
	}
	if len(res.Filtered) != len(set) {
		t.Fatalf("expected %d filtered matches, got %d", len(set), len(res.Filtered))
	}
}

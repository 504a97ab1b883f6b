package tasks

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"burstfuse/internal/fsutil"
)

// BurstGap is the longest pause between two shots of one burst.
const BurstGap = 5 * time.Second

// ScanResult captures detected assets.
type ScanResult struct {
	Images    []string `json:"images"`
	Bursts    []Burst  `json:"bursts"`
	Manifests []string `json:"manifests,omitempty"`
}

// Burst is a run of frames that can be fused together. Frames are in
// capture order; the first one is the natural reference.
type Burst struct {
	BasePath  string   `json:"base_path"`
	Frames    []string `json:"frames"`
	Detection string   `json:"detection"` // filename_sequence|timestamp_cluster
}

// Count is the number of frames in the burst.
func (b Burst) Count() int { return len(b.Frames) }

// Scan walks input and groups images into candidate bursts. Previous
// outputs (superres_*) are ignored. Capture times come from EXIF when
// exiftool is installed.
func Scan(ctx context.Context, input string) (ScanResult, error) {
	files, err := fsutil.ListImages(input, OutputPrefix)
	if err != nil {
		return ScanResult{}, err
	}
	var manifests []string
	_ = filepath.WalkDir(input, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && fsutil.IsManifest(path) {
			manifests = append(manifests, path)
		}
		return nil
	})
	return ScanResult{Images: files, Bursts: groupFiles(ctx, files), Manifests: manifests}, nil
}

// Manifest turns a detected burst into a fusion request.
func (b Burst) Manifest(upscale int, output string) *Manifest {
	return &Manifest{Frames: append([]string(nil), b.Frames...), Upscale: upscale, Output: output}
}

func groupFiles(ctx context.Context, files []string) []Burst {
	if len(files) == 0 {
		return nil
	}
	dirMap := map[string][]string{}
	for _, f := range files {
		dirMap[filepath.Dir(f)] = append(dirMap[filepath.Dir(f)], f)
	}
	var bursts []Burst
	for dir, fs := range dirMap {
		sort.Strings(fs)
		seq := classifyByPattern(dir, fs)
		bursts = append(bursts, seq...)
		claimed := map[string]bool{}
		for _, b := range seq {
			for _, f := range b.Frames {
				claimed[f] = true
			}
		}
		var rest []string
		for _, f := range fs {
			if !claimed[f] {
				rest = append(rest, f)
			}
		}
		bursts = append(bursts, classifyByTimestamp(ctx, dir, rest)...)
	}
	sort.Slice(bursts, func(i, j int) bool {
		if bursts[i].BasePath == bursts[j].BasePath {
			return bursts[i].Frames[0] < bursts[j].Frames[0]
		}
		return bursts[i].BasePath < bursts[j].BasePath
	})
	return bursts
}

var sequenceName = regexp.MustCompile(`^(.*?)(\d+)(\D*)$`)

// classifyByPattern finds runs of consecutively numbered files sharing a
// prefix and extension, e.g. IMG_0101.jpg, IMG_0102.jpg.
func classifyByPattern(dir string, files []string) []Burst {
	type numbered struct {
		path string
		n    int
	}
	byPrefix := map[string][]numbered{}
	for _, f := range files {
		m := sequenceName.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		key := m[1] + "\x00" + m[3]
		byPrefix[key] = append(byPrefix[key], numbered{path: f, n: n})
	}
	var bursts []Burst
	for _, seq := range byPrefix {
		sort.Slice(seq, func(i, j int) bool { return seq[i].n < seq[j].n })
		start := 0
		for i := 1; i <= len(seq); i++ {
			if i < len(seq) && seq[i].n == seq[i-1].n+1 {
				continue
			}
			if i-start >= 2 {
				b := Burst{BasePath: dir, Detection: "filename_sequence"}
				for _, s := range seq[start:i] {
					b.Frames = append(b.Frames, s.path)
				}
				bursts = append(bursts, b)
			}
			start = i
		}
	}
	return bursts
}

func classifyByTimestamp(ctx context.Context, dir string, files []string) []Burst {
	if len(files) < 2 {
		return nil
	}
	type fileInfo struct {
		path string
		t    time.Time
	}
	times := captureTimes(ctx, files)
	var infos []fileInfo
	for _, f := range files {
		t, ok := times[filepath.Clean(f)]
		if !ok {
			continue
		}
		infos = append(infos, fileInfo{path: f, t: t})
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].t.Before(infos[j].t) })
	var bursts []Burst
	start := 0
	for i := 1; i <= len(infos); i++ {
		if i == len(infos) || infos[i].t.Sub(infos[i-1].t) > BurstGap {
			if i-start >= 2 {
				b := Burst{BasePath: dir, Detection: "timestamp_cluster"}
				for _, fi := range infos[start:i] {
					b.Frames = append(b.Frames, fi.path)
				}
				bursts = append(bursts, b)
			}
			start = i
		}
	}
	return bursts
}

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// exifCaptureTimes asks exiftool for DateTimeOriginal of every file in one
// call. Files without a readable tag are missing from the result.
func exifCaptureTimes(ctx context.Context, files []string) map[string]time.Time {
	out := map[string]time.Time{}
	if len(files) == 0 || !commandExists("exiftool") {
		return out
	}
	args := append([]string{"-json", "-DateTimeOriginal", "-SubSecTimeOriginal"}, files...)
	cmd := exec.CommandContext(ctx, "exiftool", args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	// exiftool exits non-zero when any one file is unreadable but still
	// prints the rest.
	_ = cmd.Run()

	var parsed []struct {
		SourceFile         string `json:"SourceFile"`
		DateTimeOriginal   string `json:"DateTimeOriginal"`
		SubSecTimeOriginal any    `json:"SubSecTimeOriginal"`
	}
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		return out
	}
	for _, p := range parsed {
		t, err := time.ParseInLocation(exifTimeLayout, p.DateTimeOriginal, time.Local)
		if err != nil {
			continue
		}
		t = t.Add(subSec(p.SubSecTimeOriginal))
		out[filepath.Clean(p.SourceFile)] = t
	}
	return out
}

// subSec converts the SubSecTimeOriginal digits ("37" = 0.37 s).
func subSec(v any) time.Duration {
	var digits string
	switch s := v.(type) {
	case string:
		digits = s
	case float64:
		digits = jsonNumber(s)
	default:
		return 0
	}
	d, scale := time.Duration(0), time.Second
	for _, c := range digits {
		if c < '0' || c > '9' {
			break
		}
		scale /= 10
		d += time.Duration(c-'0') * scale
	}
	return d
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// captureTimes returns the capture time of each file: EXIF when exiftool
// can read it, the modification time otherwise.
func captureTimes(ctx context.Context, files []string) map[string]time.Time {
	times := exifCaptureTimes(ctx, files)
	for _, f := range files {
		if _, ok := times[filepath.Clean(f)]; ok {
			continue
		}
		st, err := os.Stat(f)
		if err != nil {
			continue
		}
		times[filepath.Clean(f)] = st.ModTime()
	}
	return times
}

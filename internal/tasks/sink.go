package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"burstfuse/internal/fsutil"
	"burstfuse/internal/imaging"
)

// OutputPrefix starts every file name written by DirSink.
const OutputPrefix = "superres_"

// Sink persists an encoded image. name is a suggestion; the returned string
// identifies where the bytes ended up.
type Sink interface {
	Save(ctx context.Context, name string, data []byte, mime string) (string, error)
}

// DirSink writes files into a directory, creating it when needed.
type DirSink struct {
	Dir string
}

func (s DirSink) Save(ctx context.Context, name string, data []byte, mime string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := fsutil.EnsureDir(s.Dir); err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir, filepath.Base(name))
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// OutputName returns superres_<unix millis><ext>, with an optional suffix
// before the extension.
func OutputName(t time.Time, format imaging.Format, suffix string) string {
	if suffix != "" && !strings.HasPrefix(suffix, "_") {
		suffix = "_" + suffix
	}
	return fmt.Sprintf("%s%d%s%s", OutputPrefix, t.UnixMilli(), suffix, format.Ext())
}

// SavedOutcome lists what SaveOutcome wrote.
type SavedOutcome struct {
	Fused   string `json:"fused"`
	Preview string `json:"preview,omitempty"`
	MIME    string `json:"mime"`
	Bytes   int    `json:"bytes"`
}

// SaveOutcome encodes the fused frame (and the preview, when withPreview)
// and hands them to sink.
func SaveOutcome(ctx context.Context, sink Sink, out Outcome, format imaging.Format, quality int, withPreview bool, now time.Time) (SavedOutcome, error) {
	if out.State != Done || out.Fused == nil {
		return SavedOutcome{}, fmt.Errorf("nothing to save: run %s", out.State)
	}
	data, mime, err := imaging.Encode(out.Fused, format, quality)
	if err != nil {
		return SavedOutcome{}, fmt.Errorf("encode fused frame: %w", err)
	}
	saved := SavedOutcome{MIME: mime, Bytes: len(data)}
	if saved.Fused, err = sink.Save(ctx, OutputName(now, format, ""), data, mime); err != nil {
		return SavedOutcome{}, err
	}
	if withPreview && out.Preview != nil {
		pdata, pmime, err := imaging.Encode(out.Preview, format, quality)
		if err != nil {
			return saved, fmt.Errorf("encode preview: %w", err)
		}
		if saved.Preview, err = sink.Save(ctx, OutputName(now, format, "preview"), pdata, pmime); err != nil {
			return saved, err
		}
	}
	return saved, nil
}

package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestSuffix marks burst manifest files.
const ManifestSuffix = ".burst.json"

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".webp": {},
	".tif":  {},
	".tiff": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".raf":  {},
	".heic": {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".raf": {},
}

// ListImages returns all image-like files under root, sorted. Files whose
// name starts with skipPrefix (for example previous outputs) are ignored.
func ListImages(root string, skipPrefix ...string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, p := range skipPrefix {
			if p != "" && strings.HasPrefix(d.Name(), p) {
				return nil
			}
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ListManifests returns the burst manifests directly inside dir.
func ListManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && IsManifest(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// IsManifest reports whether path names a burst manifest.
func IsManifest(path string) bool {
	return strings.HasSuffix(strings.ToLower(filepath.Base(path)), ManifestSuffix)
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Format is an output encoding.
type Format string

const (
	FormatJPEG Format = "jpg"
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// ParseFormat accepts the usual spellings of the supported output formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// MIME returns the media type written alongside encoded bytes.
func (f Format) MIME() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

// Encode serialises f. quality only applies to JPEG and defaults to 100.
func Encode(f *Frame, format Format, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	img := f.RGBA()
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 100
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	default:
		return nil, "", fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), format.MIME(), nil
}

// Decode reads any registered image format into a Frame.
func Decode(r io.Reader) (*Frame, string, error) {
	img, name, err := image.Decode(r)
	if err != nil {
		return nil, "", err
	}
	f, err := FromImage(img)
	return f, name, err
}

// Loader reads an image file into a Frame.
type Loader func(path string) (*Frame, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
)

// RegisterLoader installs l for files with extension ext (".cr2", ...).
// Later registrations replace earlier ones.
func RegisterLoader(ext string, l Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[strings.ToLower(ext)] = l
}

// HasLoader reports whether a dedicated loader exists for ext.
func HasLoader(ext string) bool {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	_, ok := loaders[strings.ToLower(ext)]
	return ok
}

// Load decodes the file at path, preferring a registered loader for its
// extension and falling back to the standard decoders.
func Load(path string) (*Frame, error) {
	loadersMu.RLock()
	l, ok := loaders[strings.ToLower(filepath.Ext(path))]
	loadersMu.RUnlock()
	if ok {
		f, err := l(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return f, nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	f, _, err := Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return f, nil
}

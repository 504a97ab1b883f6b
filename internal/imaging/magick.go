//go:build magick

package imaging

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Extensions handed to ImageMagick when the binary is built with -tags magick.
var magickExtensions = []string{".cr2", ".cr3", ".nef", ".arw", ".dng", ".orf", ".rw2", ".raf", ".heic", ".psd"}

func init() {
	for _, ext := range magickExtensions {
		RegisterLoader(ext, loadMagick)
	}
}

func loadMagick(path string) (*Frame, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("failed to orient image: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("failed to set colorspace: %w", err)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %w", err)
	}
	pix, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel buffer %T", px)
	}
	return FromPix(int(w), int(h), pix)
}

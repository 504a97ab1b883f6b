package imaging

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstfuse/internal/geometry"
)

// shift is a pure translation by (tx, ty).
func shift(tx, ty float64) geometry.Homography {
	return geometry.Homography{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// gradient builds a frame whose samples are distinct per position and channel.
func gradient(t *testing.T, w, h int) *Frame {
	t.Helper()
	f, err := NewFrame(w, h)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := f.offset(x, y)
			f.Pix[o] = uint8(x * 7 % 256)
			f.Pix[o+1] = uint8(y * 11 % 256)
			f.Pix[o+2] = uint8((x + y) * 3 % 256)
		}
	}
	return f
}

func TestNewFrameRejectsEmpty(t *testing.T) {
	for _, dims := range [][2]int{{0, 4}, {4, 0}, {-1, 3}} {
		_, err := NewFrame(dims[0], dims[1])
		assert.ErrorIs(t, err, ErrInvalidSize)
	}
}

func TestFromImageHonoursBounds(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 6, 6))
	src.Set(3, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	sub := src.SubImage(image.Rect(2, 2, 5, 5))

	f, err := FromImage(sub)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 3, f.Height)
	r, g, b := f.RGB(1, 0)
	assert.Equal(t, [3]uint8{10, 20, 30}, [3]uint8{r, g, b})
}

func TestWarpIdentityIsExact(t *testing.T) {
	src := gradient(t, 17, 9)
	out, err := Warp(src, geometry.Identity(), src.Width, src.Height, BorderConstant)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
	out.Pix[0]++
	assert.NotEqual(t, src.Pix[0], out.Pix[0], "identity warp must not share pixels")

	// A larger canvas resamples and pads with black.
	big, err := Warp(src, geometry.Identity(), src.Width+2, src.Height, BorderConstant)
	require.NoError(t, err)
	r, g, b := big.RGB(src.Width+1, 0)
	assert.Equal(t, [3]uint8{}, [3]uint8{r, g, b})
	r, g, b = big.RGB(3, 2)
	wr, wg, wb := src.RGB(3, 2)
	assert.Equal(t, [3]uint8{wr, wg, wb}, [3]uint8{r, g, b})
}

func TestWarpTranslationBorders(t *testing.T) {
	src := gradient(t, 10, 4)
	h := shift(2, 0)

	black, err := Warp(src, h, 10, 4, BorderConstant)
	require.NoError(t, err)
	rep, err := Warp(src, h, 10, 4, BorderReplicate)
	require.NoError(t, err)

	for y := 0; y < 4; y++ {
		for x := 0; x < 10; x++ {
			r, g, b := black.RGB(x, y)
			if x < 2 {
				assert.Equal(t, [3]uint8{}, [3]uint8{r, g, b}, "constant border at %d,%d", x, y)
				wr, wg, wb := src.RGB(0, y)
				rr, rg, rb := rep.RGB(x, y)
				assert.Equal(t, [3]uint8{wr, wg, wb}, [3]uint8{rr, rg, rb}, "replicated border at %d,%d", x, y)
				continue
			}
			wr, wg, wb := src.RGB(x-2, y)
			assert.Equal(t, [3]uint8{wr, wg, wb}, [3]uint8{r, g, b}, "shifted pixel at %d,%d", x, y)
		}
	}
}

func TestWarpHalfPixelInterpolates(t *testing.T) {
	src, err := FromPix(2, 1, []uint8{0, 0, 0, 100, 200, 50})
	require.NoError(t, err)
	out, err := Warp(src, shift(-0.5, 0), 2, 1, BorderConstant)
	require.NoError(t, err)
	r, g, b := out.RGB(0, 0)
	assert.Equal(t, [3]uint8{50, 100, 25}, [3]uint8{r, g, b})
	// (1.5, 0) lies beyond the last column.
	r, g, b = out.RGB(1, 0)
	assert.Equal(t, [3]uint8{}, [3]uint8{r, g, b})
}

func TestWarpRejectsSingularTransform(t *testing.T) {
	src := gradient(t, 4, 4)
	_, err := Warp(src, geometry.Homography{1, 1, 0, 1, 1, 0, 0, 0, 1}, 4, 4, BorderConstant)
	assert.ErrorIs(t, err, geometry.ErrDegenerate)
}

func TestResizeKeepsFlatFields(t *testing.T) {
	src, err := NewFrame(8, 6)
	require.NoError(t, err)
	for i := 0; i < len(src.Pix); i += Channels {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2] = 120, 60, 200
	}
	out, err := Resize(src, 16, 12)
	require.NoError(t, err)
	assert.Equal(t, 16, out.Width)
	assert.Equal(t, 12, out.Height)
	assert.Len(t, out.Pix, 16*12*Channels)
	for i := 0; i < len(out.Pix); i += Channels {
		require.Equal(t, []uint8{120, 60, 200}, out.Pix[i:i+Channels], "pixel %d", i/Channels)
	}
}

func TestResizeIsDeterministic(t *testing.T) {
	src := gradient(t, 13, 7)
	a, err := Resize(src, 26, 14)
	require.NoError(t, err)
	b, err := Resize(src, 26, 14)
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
	_, err = Resize(src, 0, 14)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestLanczosKernel(t *testing.T) {
	assert.Equal(t, 1.0, lanczos4(0))
	for _, x := range []float64{1, 2, 3} {
		assert.InDelta(t, 0, lanczos4(x), 1e-12)
	}
	assert.Equal(t, 0.0, lanczos4(4))
	assert.Less(t, lanczos4(1.5), 0.0)
}

func TestPreviewQuarterSize(t *testing.T) {
	src := gradient(t, 200, 120)
	p, err := Preview(src, 4)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Width)
	assert.Equal(t, 30, p.Height)

	tiny, err := Preview(gradient(t, 3, 3), 4)
	require.NoError(t, err)
	assert.Equal(t, 1, tiny.Width)
}

func TestEncodePNGIsLossless(t *testing.T) {
	src := gradient(t, 9, 5)
	data, mime, err := Encode(src, FormatPNG, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)

	back, name, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", name)
	assert.Equal(t, src.Pix, back.Pix)
}

func TestEncodeJPEGAndTIFF(t *testing.T) {
	src := gradient(t, 16, 16)
	data, mime, err := Encode(src, FormatJPEG, 100)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.Equal(t, []byte{0xff, 0xd8}, data[:2])

	dir := t.TempDir()
	data, mime, err = Encode(src, FormatTIFF, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/tiff", mime)
	path := filepath.Join(dir, "frame.tiff")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, back.Pix)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJPEG, "JPEG": FormatJPEG, ".png": FormatPNG, "tif": FormatTIFF} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("exr")
	assert.Error(t, err)
}

func TestRegisteredLoaderWins(t *testing.T) {
	RegisterLoader(".fake", func(path string) (*Frame, error) {
		return NewFrame(2, 3)
	})
	assert.True(t, HasLoader(".FAKE"))
	f, err := Load(filepath.Join(t.TempDir(), "x.fake"))
	require.NoError(t, err)
	assert.Equal(t, 3, f.Height)
}

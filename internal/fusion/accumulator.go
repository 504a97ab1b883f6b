package fusion

import (
	"errors"
	"fmt"
	"math"

	"burstfuse/internal/imaging"
)

var (
	// ErrEmptyInput is returned when averaging without any contribution.
	ErrEmptyInput = errors.New("no frames to fuse")
	// ErrSizeMismatch is returned when a frame does not match the grid.
	ErrSizeMismatch = errors.New("frame size mismatch")
	// ErrConsumed is returned when an accumulator is used after Average.
	ErrConsumed = errors.New("accumulator already averaged")
)

// Accumulator sums frames of one size into a float32 raster and remembers
// how many frames contributed. It is consumed by Average.
type Accumulator struct {
	width, height int
	sum           []float32
	count         int
	spent         bool
}

// NewAccumulator returns a zeroed accumulator for width x height frames.
func NewAccumulator(width, height int) (*Accumulator, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", imaging.ErrInvalidSize, width, height)
	}
	return &Accumulator{
		width:  width,
		height: height,
		sum:    make([]float32, width*height*imaging.Channels),
	}, nil
}

// Count is the number of frames added so far.
func (a *Accumulator) Count() int { return a.count }

// Add sums f into the accumulator.
func (a *Accumulator) Add(f *imaging.Frame) error {
	if a.spent {
		return ErrConsumed
	}
	if f.Width != a.width || f.Height != a.height {
		return fmt.Errorf("%w: got %s, want %dx%d", ErrSizeMismatch, f.Size(), a.width, a.height)
	}
	for i, v := range f.Pix {
		a.sum[i] += float32(v)
	}
	a.count++
	return nil
}

// Merge folds another partial accumulator of the same size into a.
func (a *Accumulator) Merge(o *Accumulator) error {
	if a.spent || o.spent {
		return ErrConsumed
	}
	if o.width != a.width || o.height != a.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSizeMismatch, o.width, o.height, a.width, a.height)
	}
	for i, v := range o.sum {
		a.sum[i] += v
	}
	a.count += o.count
	return nil
}

// Average divides the sums by the contribution count, rounds half to even and
// saturates into 8 bits. The accumulator cannot be used afterwards.
func (a *Accumulator) Average() (*imaging.Frame, error) {
	if a.spent {
		return nil, ErrConsumed
	}
	if a.count == 0 {
		return nil, ErrEmptyInput
	}
	out, err := imaging.NewFrame(a.width, a.height)
	if err != nil {
		return nil, err
	}
	n := float64(a.count)
	for i, v := range a.sum {
		out.Pix[i] = quantize(float64(v) / n)
	}
	a.spent = true
	a.sum = nil
	return out, nil
}

func quantize(v float64) uint8 {
	v = math.RoundToEven(v)
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

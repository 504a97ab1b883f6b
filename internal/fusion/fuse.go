package fusion

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"burstfuse/internal/imaging"
)

// Strategy selects how concurrent workers share the accumulator.
type Strategy string

const (
	// StrategyPartial gives every worker a private accumulator and merges
	// them once all frames are summed.
	StrategyPartial Strategy = "partial"
	// StrategyLocked serialises additions into one shared accumulator.
	StrategyLocked Strategy = "locked"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyPartial:
		return StrategyPartial, nil
	case StrategyLocked:
		return StrategyLocked, nil
	default:
		return "", fmt.Errorf("unknown fusion strategy %q", s)
	}
}

// Options tunes Accumulate. Zero values pick sensible defaults.
type Options struct {
	Workers  int
	Strategy Strategy
}

func (o Options) workers(frames int) int {
	w := o.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	return max(1, min(w, frames))
}

// Accumulate upscales every frame by factor with the Lanczos kernel and
// returns their per-sample mean. All frames must share one native size.
func Accumulate(ctx context.Context, frames []*imaging.Frame, factor int, opts Options) (*imaging.Frame, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyInput
	}
	if factor < 1 {
		return nil, fmt.Errorf("upscale factor must be at least 1, got %d", factor)
	}
	ref := frames[0]
	for i, f := range frames[1:] {
		if !f.SameSize(ref) {
			return nil, fmt.Errorf("%w: frame %d is %s, reference is %s", ErrSizeMismatch, i+1, f.Size(), ref.Size())
		}
	}
	tw, th := ref.Width*factor, ref.Height*factor

	var (
		acc *Accumulator
		err error
	)
	if opts.Strategy == StrategyLocked {
		acc, err = accumulateLocked(ctx, frames, tw, th, opts.workers(len(frames)))
	} else {
		acc, err = accumulatePartial(ctx, frames, tw, th, opts.workers(len(frames)))
	}
	if err != nil {
		return nil, err
	}
	return acc.Average()
}

func accumulatePartial(ctx context.Context, frames []*imaging.Frame, tw, th, workers int) (*Accumulator, error) {
	partials := make([]*Accumulator, workers)
	for i := range partials {
		acc, err := NewAccumulator(tw, th)
		if err != nil {
			return nil, err
		}
		partials[i] = acc
	}

	g, ctx := errgroup.WithContext(ctx)
	next := make(chan *imaging.Frame)
	g.Go(func() error {
		defer close(next)
		for _, f := range frames {
			select {
			case next <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for _, acc := range partials {
		g.Go(func() error {
			for f := range next {
				up, err := imaging.Resize(f, tw, th)
				if err != nil {
					return err
				}
				if err := acc.Add(up); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := partials[0]
	for _, p := range partials[1:] {
		if err := total.Merge(p); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func accumulateLocked(ctx context.Context, frames []*imaging.Frame, tw, th, workers int) (*Accumulator, error) {
	shared, err := NewAccumulator(tw, th)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, f := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			up, err := imaging.Resize(f, tw, th)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return shared.Add(up)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return shared, nil
}

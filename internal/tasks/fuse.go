package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"burstfuse/internal/fsutil"
	"burstfuse/internal/fusion"
	"burstfuse/internal/imaging"
	"burstfuse/internal/logging"
)

// ErrInsufficientFrames is returned when a burst has fewer than two frames.
var ErrInsufficientFrames = errors.New("at least two frames are required")

// ErrRAWUnsupported is returned for camera RAW frames when no RAW loader
// is compiled in (build with -tags magick).
var ErrRAWUnsupported = errors.New("RAW frames need a build with ImageMagick support")

// State is a stage of a fusion run.
type State int

const (
	Idle State = iota
	LoadingFrames
	Aligning
	Fusing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingFrames:
		return "loading_frames"
	case Aligning:
		return "aligning"
	case Fusing:
		return "fusing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == Done || s == Failed }

// Transition is reported to an Observer on every state change. Reason is
// only set when entering Failed.
type Transition struct {
	From, To State
	Reason   string
}

// Observer receives transitions synchronously from the goroutine driving
// the run.
type Observer func(Transition)

// FuseOptions tunes a fusion run. Zero values pick defaults.
type FuseOptions struct {
	Upscale        int
	AlignWorkers   int // 0 = one per CPU
	Fusion         fusion.Options
	PreviewDivisor int // 0 = 4
}

// Outcome is the terminal report of a run. Fused and Preview are nil
// unless State is Done.
type Outcome struct {
	State      State
	Reason     string
	Err        error
	Fused      *imaging.Frame
	Preview    *imaging.Frame
	Alignments []AlignmentResult // non-reference frames that were processed
	Candidates int               // non-reference frames supplied
	Duration   time.Duration
}

// AlignedCount is the number of candidates that were actually warped.
func (o Outcome) AlignedCount() int {
	n := 0
	for _, a := range o.Alignments {
		if a.Kind == Aligned {
			n++
		}
	}
	return n
}

// Skipped is the number of candidates dropped by cancellation.
func (o Outcome) Skipped() int { return o.Candidates - len(o.Alignments) }

// Summary is a one-line status for humans.
func (o Outcome) Summary() string {
	if o.State != Done {
		return fmt.Sprintf("failed: %s", o.Reason)
	}
	return fmt.Sprintf("done: %s, aligned %d/%d", o.Fused.Size(), o.AlignedCount(), o.Candidates)
}

// Fuser drives a burst through loading, alignment and fusion.
type Fuser struct {
	Aligner  *Aligner
	Options  FuseOptions
	Observer Observer
	Logger   *slog.Logger
	// RunID tags log lines; optional.
	RunID string
}

type run struct {
	f     *Fuser
	state State
	start time.Time
}

func (r *run) to(s State, reason string) {
	if r.f.Observer != nil {
		r.f.Observer(Transition{From: r.state, To: s, Reason: reason})
	}
	r.state = s
}

func (r *run) fail(err error, out Outcome) Outcome {
	r.to(Failed, err.Error())
	out.State = Failed
	out.Reason = err.Error()
	out.Err = err
	out.Fused, out.Preview = nil, nil
	out.Duration = time.Since(r.start)
	return out
}

// RunPaths decodes the files at paths (the first is the reference) and
// fuses them. Decoding errors fail the run.
func (f *Fuser) RunPaths(ctx context.Context, paths []string) Outcome {
	r := &run{f: f, state: Idle, start: time.Now()}
	r.to(LoadingFrames, "")
	if len(paths) < 2 {
		return r.fail(fmt.Errorf("%w: got %d", ErrInsufficientFrames, len(paths)), Outcome{})
	}
	frames, err := LoadFrames(ctx, paths)
	if err != nil {
		return r.fail(err, Outcome{})
	}
	return f.run(ctx, r, frames)
}

// LoadFrames decodes paths in order. Name is set to the path.
func LoadFrames(ctx context.Context, paths []string) ([]FrameInput, error) {
	frames := make([]FrameInput, len(paths))
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fsutil.IsRAWFile(p) && !imaging.HasLoader(filepath.Ext(p)) {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(p), ErrRAWUnsupported)
		}
		fr, err := imaging.Load(p)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(p), err)
		}
		frames[i] = FrameInput{Index: i, Name: p, Frame: fr}
	}
	return frames, nil
}

// AlignOnly aligns frames[1:] against frames[0] without fusing them.
func (f *Fuser) AlignOnly(ctx context.Context, frames []FrameInput) ([]AlignmentResult, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInsufficientFrames, len(frames))
	}
	frames = slices.Clone(frames)
	for i := range frames {
		frames[i].Index = i
	}
	return f.alignAll(ctx, frames), nil
}

// Run fuses already decoded frames; frames[0] is the reference.
func (f *Fuser) Run(ctx context.Context, frames []FrameInput) Outcome {
	r := &run{f: f, state: Idle, start: time.Now()}
	r.to(LoadingFrames, "")
	return f.run(ctx, r, frames)
}

func (f *Fuser) run(ctx context.Context, r *run, frames []FrameInput) Outcome {
	log := f.Logger
	if log == nil {
		log = logging.Discard()
	}
	if len(frames) < 2 {
		return r.fail(fmt.Errorf("%w: got %d", ErrInsufficientFrames, len(frames)), Outcome{})
	}
	frames = slices.Clone(frames)
	for i, fr := range frames {
		if fr.Frame == nil || fr.Frame.Width <= 0 || fr.Frame.Height <= 0 {
			return r.fail(fmt.Errorf("frame %d: %w", i, imaging.ErrInvalidSize), Outcome{})
		}
		frames[i].Index = i
	}
	upscale := f.Options.Upscale
	if upscale == 0 {
		upscale = 2
	}
	if upscale < 1 {
		return r.fail(fmt.Errorf("upscale factor must be at least 1, got %d", upscale), Outcome{})
	}

	out := Outcome{Candidates: len(frames) - 1}

	r.to(Aligning, "")
	out.Alignments = f.alignAll(ctx, frames)
	for _, a := range out.Alignments {
		logging.LogFrameOutcome(log, f.RunID, a.Index, a.Name, a.Kind.String(), a.Inliers, a.Reason, a.Duration)
	}

	r.to(Fusing, "")
	inputs := make([]*imaging.Frame, 0, len(out.Alignments)+1)
	inputs = append(inputs, frames[0].Frame)
	for _, a := range out.Alignments {
		inputs = append(inputs, a.Frame)
	}
	// Fusion always completes once alignment is over.
	fused, err := fusion.Accumulate(context.WithoutCancel(ctx), inputs, upscale, f.Options.Fusion)
	if err != nil {
		return r.fail(err, out)
	}
	div := f.Options.PreviewDivisor
	if div == 0 {
		div = 4
	}
	preview, err := imaging.Preview(fused, div)
	if err != nil {
		return r.fail(err, out)
	}

	r.to(Done, "")
	out.State = Done
	out.Fused = fused
	out.Preview = preview
	out.Duration = time.Since(r.start)
	log.Info("burst fused",
		"run", f.RunID,
		"size", fused.Size(),
		"aligned", out.AlignedCount(),
		"candidates", out.Candidates,
		"skipped", out.Skipped(),
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out
}

// alignAll aligns frames[1:] against frames[0] on a bounded pool. Frames
// not yet started when ctx is done are left out of the result.
func (f *Fuser) alignAll(ctx context.Context, frames []FrameInput) []AlignmentResult {
	aligner := f.Aligner
	if aligner == nil {
		aligner = &Aligner{}
	}
	workers := f.Options.AlignWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ref := frames[0]
	results := make([]AlignmentResult, len(frames)-1)
	started := make([]bool, len(frames)-1)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

dispatch:
	for i, cand := range frames[1:] {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break
		}
		started[i] = true
		wg.Add(1)
		go func(i int, cand FrameInput) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = aligner.Align(ctx, ref, cand)
		}(i, cand)
	}
	wg.Wait()

	kept := results[:0]
	for i, res := range results {
		if started[i] {
			kept = append(kept, res)
		}
	}
	return kept
}

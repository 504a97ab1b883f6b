package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"burstfuse/internal/config"
	"burstfuse/internal/fsutil"
	"burstfuse/internal/fusion"
	"burstfuse/internal/geometry"
	"burstfuse/internal/imaging"
	"burstfuse/internal/logging"
	"burstfuse/internal/metrics"
	"burstfuse/internal/report"
	"burstfuse/internal/storage"
	"burstfuse/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	metrics  *metrics.Metrics
	cfg      *config.Config
	matchers matcherSelector
	now      func() time.Time
}

type matcherSelector interface {
	Select(name string) (tasks.CorrespondenceSupplier, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, m *metrics.Metrics) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:      logger,
		store:    store,
		metrics:  m,
		cfg:      cfg,
		matchers: tasks.NewMatcherManager(&cfg.Alignment),
		now:      time.Now,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobFuse:
		return r.handleFuse(ctx, job)
	case JobAlign:
		return r.handleAlign(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	summary, err := tasks.Scan(ctx, job.InputPath)
	meta := map[string]any{
		"images":    len(summary.Images),
		"bursts":    summary.Bursts,
		"manifests": summary.Manifests,
	}
	for _, b := range summary.Bursts {
		_ = r.store.RecordGroup(storage.ImageGroupRecord{
			JobID:           job.ID,
			GroupType:       "burst",
			DetectionMethod: b.Detection,
			BasePath:        b.BasePath,
			ImageCount:      b.Count(),
		})
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// burstRequest is a fuse/align job resolved against config and manifest.
type burstRequest struct {
	frames   []string
	output   string
	upscale  int
	supplier tasks.CorrespondenceSupplier
	aligner  *tasks.Aligner
}

// resolve turns job options into a request. Inputs, in priority order:
// options["manifest"], InputPath ending in .burst.json, options["frames"],
// every image under InputPath.
func (r *router) resolve(job Job) (*burstRequest, error) {
	req := &burstRequest{
		output:  job.Output,
		upscale: r.cfg.Fusion.UpscaleFactor,
	}

	var manifest *tasks.Manifest
	manifestPath := getStringOption(job.Options, "manifest")
	if manifestPath == "" && fsutil.IsManifest(job.InputPath) {
		manifestPath = job.InputPath
	}
	if manifestPath != "" {
		m, err := tasks.LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		manifest = m
		req.frames = m.Frames
		if m.Upscale > 0 {
			req.upscale = m.Upscale
		}
		if req.output == "" {
			req.output = m.Output
		}
	}
	if len(req.frames) == 0 {
		req.frames = getStringSliceOption(job.Options, "frames")
	}
	if len(req.frames) == 0 && job.InputPath != "" {
		st, err := os.Stat(job.InputPath)
		if err != nil {
			return nil, err
		}
		if st.IsDir() {
			files, err := fsutil.ListImages(job.InputPath, tasks.OutputPrefix)
			if err != nil {
				return nil, err
			}
			req.frames = files
		} else {
			req.frames = []string{job.InputPath}
		}
	}
	if n := getIntOption(job.Options, "upscale"); n > 0 {
		req.upscale = n
	}
	if req.output == "" {
		req.output = r.cfg.Paths.DefaultOutput
	}

	matcher := getStringOption(job.Options, "matcher")
	if matcher == "" && manifest != nil {
		matcher = manifest.Matcher
	}
	switch {
	case manifest != nil && manifest.Supplier() != nil && (matcher == "" || matcher == "csv"):
		req.supplier = manifest.Supplier()
	case matcher == "csv" && getStringOption(job.Options, "csvDir") != "":
		req.supplier = tasks.NewCSVSupplier(getStringOption(job.Options, "csvDir"), nil)
	default:
		s, err := r.matchers.Select(matcher)
		if err != nil {
			return nil, err
		}
		req.supplier = s
	}

	aligner, err := r.aligner(req.supplier, job.Options)
	if err != nil {
		return nil, err
	}
	req.aligner = aligner
	return req, nil
}

func (r *router) aligner(s tasks.CorrespondenceSupplier, opts map[string]any) (*tasks.Aligner, error) {
	ac := r.cfg.Alignment
	border, err := imaging.ParseBorderPolicy(ac.Border)
	if err != nil {
		return nil, err
	}
	if b := getStringOption(opts, "border"); b != "" {
		if border, err = imaging.ParseBorderPolicy(b); err != nil {
			return nil, err
		}
	}
	seed := ac.RANSAC.Seed
	if v, ok := getUintOption(opts, "seed"); ok {
		seed = v
	}
	threshold := ac.RANSAC.Threshold
	if v := getFloat64Option(opts, "threshold"); v > 0 {
		threshold = v
	}
	return &tasks.Aligner{
		Supplier: s,
		Filter: geometry.FilterOptions{
			MinKeep:      ac.Filter.MinKeep,
			KeepFraction: ac.Filter.KeepFraction,
		},
		RANSAC: geometry.RANSACOptions{
			Iterations:     ac.RANSAC.Iterations,
			Threshold:      threshold,
			MinInliers:     ac.RANSAC.MinInliers,
			MinInlierRatio: ac.RANSAC.MinInlierRatio,
		},
		Seed:   seed,
		Border: border,
	}, nil
}

func (r *router) fuser(job Job, req *burstRequest) (*tasks.Fuser, error) {
	strategy, err := fusion.ParseStrategy(r.cfg.Fusion.Strategy)
	if err != nil {
		return nil, err
	}
	return &tasks.Fuser{
		Aligner: req.aligner,
		Options: tasks.FuseOptions{
			Upscale:        req.upscale,
			AlignWorkers:   r.cfg.Processing.AlignWorkers,
			Fusion:         fusion.Options{Strategy: strategy},
			PreviewDivisor: r.cfg.Fusion.PreviewDivisor,
		},
		Logger: r.log,
		RunID:  job.ID,
		Observer: func(tr tasks.Transition) {
			details := map[string]any{"from": tr.From.String()}
			if tr.Reason != "" {
				details["reason"] = tr.Reason
			}
			logging.LogProcessingStep(r.log, job.ID, tr.To.String(), "entered", details)
		},
	}, nil
}

func (r *router) handleFuse(ctx context.Context, job Job) Result {
	req, err := r.resolve(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	formatName := getStringOption(job.Options, "format")
	if formatName == "" {
		formatName = r.cfg.Fusion.OutputFormat
	}
	format, err := imaging.ParseFormat(formatName)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	f, err := r.fuser(job, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	out := f.RunPaths(ctx, req.frames)
	r.recordAlignments(job, out.Alignments)

	meta := map[string]any{
		"frames":     len(req.frames),
		"matcher":    req.supplier.Name(),
		"upscale":    req.upscale,
		"state":      out.State.String(),
		"aligned":    out.AlignedCount(),
		"candidates": out.Candidates,
		"skipped":    out.Skipped(),
		"summary":    out.Summary(),
	}
	if dir := getStringOption(job.Options, "report"); dir != "" {
		if path, err := r.writeReport(job, out.Alignments, dir); err != nil {
			r.log.Warn("report failed", "job", job.ID, "error", err)
		} else {
			meta["report"] = path
		}
	}
	if out.State != tasks.Done {
		return Result{Job: job, Error: out.Err, Meta: meta}
	}

	saved, err := tasks.SaveOutcome(ctx, tasks.DirSink{Dir: req.output}, out, format, r.cfg.Fusion.Quality, !getBoolOption(job.Options, "noPreview"), r.now())
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("save: %w", err), Meta: meta}
	}
	meta["output"] = saved.Fused
	meta["preview"] = saved.Preview
	meta["mime"] = saved.MIME
	meta["bytes"] = saved.Bytes
	meta["size"] = out.Fused.Size()
	return Result{Job: job, Meta: meta}
}

// handleAlign writes each aligned (or fallback) frame at native resolution
// without fusing, plus the per-frame homographies in the job meta.
func (r *router) handleAlign(ctx context.Context, job Job) Result {
	req, err := r.resolve(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	f, err := r.fuser(job, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	frames, err := tasks.LoadFrames(ctx, req.frames)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	results, err := f.AlignOnly(ctx, frames)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordAlignments(job, results)

	sink := tasks.DirSink{Dir: req.output}
	frameMeta := make([]map[string]any, 0, len(results))
	aligned := 0
	for _, a := range results {
		if a.Kind == tasks.Aligned {
			aligned++
		}
		data, mime, err := imaging.Encode(a.Frame, imaging.FormatPNG, 0)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		base := filepath.Base(a.Name)
		name := fmt.Sprintf("aligned_%02d_%s.png", a.Index, base[:len(base)-len(filepath.Ext(base))])
		path, err := sink.Save(ctx, name, data, mime)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		frameMeta = append(frameMeta, map[string]any{
			"index":      a.Index,
			"name":       a.Name,
			"outcome":    a.Kind.String(),
			"reason":     a.Reason,
			"inliers":    a.Inliers,
			"homography": [9]float64(a.H),
			"output":     path,
		})
	}
	meta := map[string]any{
		"matcher":    req.supplier.Name(),
		"aligned":    aligned,
		"candidates": len(results),
		"frames":     frameMeta,
	}
	if dir := getStringOption(job.Options, "report"); dir != "" {
		if path, err := r.writeReport(job, results, dir); err == nil {
			meta["report"] = path
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) recordAlignments(job Job, results []tasks.AlignmentResult) {
	recs := make([]storage.FrameAlignmentRecord, 0, len(results))
	for _, a := range results {
		r.metrics.ObserveFrame(a.Kind.String(), a.Reason, a.Inliers)
		recs = append(recs, storage.FrameAlignmentRecord{
			JobID:        job.ID,
			FrameIndex:   a.Index,
			FrameName:    a.Name,
			Outcome:      a.Kind.String(),
			Matches:      a.Matches,
			Inliers:      a.Inliers,
			Reason:       a.Reason,
			Homography:   [9]float64(a.H),
			ResidualMean: a.Residuals.Mean,
			DurationMS:   a.Duration.Milliseconds(),
		})
	}
	if err := r.store.RecordFrameAlignments(recs); err != nil {
		r.log.Warn("record frame alignments", "job", job.ID, "error", err)
	}
}

func (r *router) writeReport(job Job, results []tasks.AlignmentResult, dir string) (string, error) {
	rep := &report.Report{JobID: job.ID}
	for _, a := range results {
		rep.Frames = append(rep.Frames, report.Frame{
			Index:      a.Index,
			Name:       a.Name,
			Outcome:    a.Kind.String(),
			Reason:     a.Reason,
			Matches:    a.Matches,
			Inliers:    a.Inliers,
			Residuals:  a.Residuals,
			Homography: [9]float64(a.H),
			Set:        a.Filtered,
			InlierMask: a.InlierMask,
		})
	}
	if len(rep.Frames) == 0 {
		return "", errors.New("no frames were aligned")
	}
	return rep.Write(dir)
}

// Helper functions to safely extract typed options from job.Options map.
// Options arrive either from Go callers or decoded JSON, so numbers may be
// any of int, uint64 or float64 and lists may be []any.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0.0
}

func getIntOption(options map[string]any, key string) int {
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case uint64:
		return int(v)
	}
	return 0
}

func getUintOption(options map[string]any, key string) (uint64, bool) {
	switch v := options[key].(type) {
	case uint64:
		return v, true
	case int:
		if v >= 0 {
			return uint64(v), true
		}
	case float64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

func getStringOption(options map[string]any, key string) string {
	s, _ := options[key].(string)
	return s
}

func getStringSliceOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"text/tabwriter"

	"burstfuse/internal/config"
	"burstfuse/internal/metrics"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
	"burstfuse/internal/tasks"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X burstfuse/internal/cli.Version=...".
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, m *metrics.Metrics) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, m))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "burstfuse",
		Short: "burstfuse aligns and fuses photo bursts into one upscaled image",
		Long: `burstfuse aligns every frame of a burst onto the first one with a RANSAC
homography, upscales the aligned frames and averages them into a single
higher-resolution image plus a small preview.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newFuseCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// burstFlags are shared by fuse and align.
type burstFlags struct {
	output    string
	manifest  string
	matcher   string
	csvDir    string
	border    string
	report    string
	upscale   int
	seed      int64
	threshold float64
}

func (f *burstFlags) register(cmd *cobra.Command, root *Root) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output directory (default: manifest output or "+root.cfg.Paths.DefaultOutput+")")
	cmd.Flags().StringVarP(&f.manifest, "manifest", "m", "", "burst manifest (*.burst.json) listing frames and correspondence files")
	cmd.Flags().StringVar(&f.matcher, "matcher", "", "correspondence matcher (blockmatch|csv|orb), best available if empty")
	cmd.Flags().StringVar(&f.csvDir, "csv-dir", "", "directory of <frame>.csv correspondence files for --matcher csv")
	cmd.Flags().StringVar(&f.border, "border", "", "warp border policy (constant|replicate)")
	cmd.Flags().StringVar(&f.report, "report", "", "write report.json and per-frame match plots into this directory")
	cmd.Flags().IntVarP(&f.upscale, "upscale", "u", 0, "integer upscale factor (default from config)")
	cmd.Flags().Int64Var(&f.seed, "seed", -1, "RANSAC seed (default from config)")
	cmd.Flags().Float64Var(&f.threshold, "threshold", 0, "RANSAC reprojection threshold in pixels (default from config)")
}

// job builds the pipeline job. A single directory argument becomes the
// job input; several arguments are an explicit frame list.
func (f *burstFlags) job(jobType pipeline.JobType, prefix string, args []string) pipeline.Job {
	opts := map[string]any{"source": "cli"}
	set := func(key string, v any, ok bool) {
		if ok {
			opts[key] = v
		}
	}
	set("manifest", f.manifest, f.manifest != "")
	set("matcher", f.matcher, f.matcher != "")
	set("csvDir", f.csvDir, f.csvDir != "")
	set("border", f.border, f.border != "")
	set("report", f.report, f.report != "")
	set("upscale", f.upscale, f.upscale > 0)
	set("seed", int(f.seed), f.seed >= 0)
	set("threshold", f.threshold, f.threshold > 0)

	job := pipeline.Job{ID: newID(prefix), Type: jobType, Output: f.output, Options: opts}
	switch len(args) {
	case 0:
	case 1:
		job.InputPath = args[0]
	default:
		frames := make([]any, len(args))
		for i, a := range args {
			frames[i] = a
		}
		opts["frames"] = frames
	}
	return job
}

func newFuseCmd(root *Root) *cobra.Command {
	var (
		flags     burstFlags
		format    string
		noPreview bool
		remote    string
	)

	cmd := &cobra.Command{
		Use:   "fuse [frames...|dir|manifest]",
		Short: "Align and fuse a burst into one upscaled image",
		Long: `Fuse a burst of frames. The first frame is the reference; every other frame
is aligned onto it, upscaled and averaged. Frames that cannot be aligned are
still fused unwarped and reported in the summary line.

Examples:
  burstfuse fuse IMG_01.jpg IMG_02.jpg IMG_03.jpg --upscale 2 --output out/
  burstfuse fuse /photos/burst/ --matcher blockmatch --report out/report
  burstfuse fuse --manifest shot.burst.json
  burstfuse fuse shot.burst.json --remote localhost:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && flags.manifest == "" {
				return fmt.Errorf("fuse needs frames, a directory or --manifest")
			}
			job := flags.job(pipeline.JobFuse, "fuse", args)
			if format != "" {
				job.Options["format"] = format
			}
			if noPreview {
				job.Options["noPreview"] = true
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if remote != "" {
				return root.runRemote(ctx, cmd, job, remote)
			}
			res, err := root.enqueueAndWait(ctx, job)
			if res.Meta != nil {
				printResult(cmd.OutOrStdout(), res.Meta)
			}
			return err
		},
	}

	flags.register(cmd, root)
	cmd.Flags().StringVar(&format, "format", "", "output format (jpg|png|tiff), default from config")
	cmd.Flags().BoolVar(&noPreview, "no-preview", false, "skip the downscaled preview image")
	cmd.Flags().StringVar(&remote, "remote", "", "submit to a running burstfuse gRPC server at host:port instead of fusing locally")

	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var flags burstFlags

	cmd := &cobra.Command{
		Use:   "align [frames...|dir|manifest]",
		Short: "Align burst frames onto the first one without fusing",
		Long: `Align every frame onto the reference and write each result at native
resolution as aligned_NN_<name>.png. Homographies and fallback reasons are
stored with the job.

Examples:
  burstfuse align /photos/burst/ --output aligned/
  burstfuse align --manifest shot.burst.json --report aligned/report`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && flags.manifest == "" {
				return fmt.Errorf("align needs frames, a directory or --manifest")
			}
			job := flags.job(pipeline.JobAlign, "align", args)
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "aligned %v/%v\n", res.Meta["aligned"], res.Meta["candidates"])
			frames, _ := res.Meta["frames"].([]map[string]any)
			for _, f := range frames {
				line := fmt.Sprintf("  %02d %-8v %v", f["index"], f["outcome"], f["output"])
				if reason, _ := f["reason"].(string); reason != "" {
					line += " (" + reason + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	flags.register(cmd, root)
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var (
		writeManifests bool
		upscale        int
		output         string
	)

	cmd := &cobra.Command{
		Use:   "scan <directory>",
		Short: "Find bursts in a directory",
		Long: `Group images into bursts by filename sequence (IMG_0001, IMG_0002, ...) or
by capture time (frames within 5 seconds of each other), and list existing
burst manifests.

Examples:
  burstfuse scan /photos/2025-06-01/
  burstfuse scan /photos/2025-06-01/ --write-manifests --upscale 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printScan(cmd.OutOrStdout(), res.Meta)

			if !writeManifests {
				return nil
			}
			bursts, _ := res.Meta["bursts"].([]tasks.Burst)
			for i, b := range bursts {
				path := filepath.Join(args[0], fmt.Sprintf("burst_%02d.burst.json", i+1))
				if err := b.Manifest(upscale, output).Save(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&writeManifests, "write-manifests", false, "write a .burst.json manifest for every burst found")
	cmd.Flags().IntVar(&upscale, "upscale", 0, "upscale factor recorded in written manifests (0 = config default)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory recorded in written manifests")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC job APIs",
		Long: `Start the HTTP API (/jobs, /fuse, /stream, /ws, /metrics) and the gRPC job
service. With --watch, burst manifests dropped into the given directories
are fused automatically.

Examples:
  burstfuse serve
  burstfuse serve --http :8080 --grpc :9090 --watch /photos/inbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			root.log.Info("starting server",
				"http", opts.httpAddr,
				"grpc", opts.grpcAddr,
				"watch", opts.watchDirs,
			)
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.httpAddr, "http", root.cfg.Server.HTTPAddr, "HTTP listen address, empty to disable")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringSliceVar(&opts.watchDirs, "watch", root.cfg.Watch.Dirs, "inbox directories to watch for burst manifests")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output directory for watched manifests")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		opts   serveOptions
		report string
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Fuse burst manifests as they appear in inbox directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			opts.watchDirs = args
			if report != "" {
				opts.watchOpts = map[string]any{"report": report}
			}
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output directory (default: manifest output or config)")
	cmd.Flags().BoolVar(&opts.existing, "existing", false, "also fuse manifests already in the directories")
	cmd.Flags().StringVar(&report, "report", "", "write a diagnostics report for every fused manifest")

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		remote string
	)

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recent jobs or show one job's frame alignments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote != "" {
				c, err := root.dialFn(remote)
				if err != nil {
					return err
				}
				defer c.Close()
				jobs, err := c.ListJobs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			if len(args) == 1 {
				return root.showJob(out, args[0])
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tINPUT")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.InputPath)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	cmd.Flags().StringVar(&remote, "remote", "", "list jobs from a burstfuse gRPC server at host:port")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("burstfuse %s (%s)\n", Version, runtime.Version())
			cmd.Printf("matchers: %v\n", root.availableMatchers())
		},
	}
}

func (r *Root) showJob(out io.Writer, id string) error {
	rec, err := r.store.Job(id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	fmt.Fprintf(out, "%s %s %s\n", rec.ID, rec.JobType, rec.Status)
	if rec.Error != "" {
		fmt.Fprintf(out, "error: %s\n", rec.Error)
	}
	if meta, err := r.store.JobMeta(id); err == nil {
		printResult(out, meta)
	}
	frames, err := r.store.FrameAlignments(id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tNAME\tOUTCOME\tMATCHES\tINLIERS\tRESIDUAL\tREASON")
	for _, f := range frames {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%.2f\t%s\n", f.FrameIndex, filepath.Base(f.FrameName), f.Outcome, f.Matches, f.Inliers, f.ResidualMean, f.Reason)
	}
	return tw.Flush()
}

func (r *Root) runRemote(ctx context.Context, cmd *cobra.Command, job pipeline.Job, addr string) error {
	c, err := r.dialFn(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	ev, err := c.SubmitAndWait(ctx, string(job.Type), job.InputPath, job.Output, job.Options)
	if err != nil {
		return err
	}
	meta, _ := ev["meta"].(map[string]any)
	printResult(cmd.OutOrStdout(), meta)
	if msg, _ := ev["error"].(string); msg != "" {
		return fmt.Errorf("remote job %v: %s", ev["id"], msg)
	}
	return nil
}

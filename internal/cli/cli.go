package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"burstfuse/internal/config"
	"burstfuse/internal/grpcserver"
	"burstfuse/internal/metrics"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/server"
	"burstfuse/internal/storage"
	"burstfuse/internal/tasks"
	"burstfuse/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions selects the long-running services started by serve/watch.
type serveOptions struct {
	httpAddr  string
	grpcAddr  string
	watchDirs []string
	watchOpts map[string]any
	output    string
	existing  bool
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	metrics  *metrics.Metrics
	serveFn  serverFunc
	dialFn   func(addr string) (remoteClient, error)
}

// remoteClient is the subset of grpcserver.Client used by --remote.
type remoteClient interface {
	SubmitAndWait(ctx context.Context, jobType, input, output string, options map[string]any) (map[string]any, error)
	ListJobs(ctx context.Context, limit int) ([]any, error)
	Close() error
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Root {
	r := &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		metrics: m,
		serveFn: defaultServe,
		dialFn: func(addr string) (remoteClient, error) {
			if cfg.Server.TLSCA != "" {
				return grpcserver.DialTLS(addr, cfg.Server.TLSCA)
			}
			return grpcserver.Dial(addr)
		},
	}
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

// defaultServe runs the HTTP API, the gRPC API and the manifest watcher
// until ctx is cancelled or one of them fails.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	pipe, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline unavailable for server startup")
	}
	g, ctx := errgroup.WithContext(ctx)
	if opts.httpAddr != "" {
		srv := server.New(opts.httpAddr, r.store, pipe, r.metrics, r.log)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if opts.grpcAddr != "" {
		lis, err := net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			return err
		}
		var extra []grpc.ServerOption
		if r.cfg.Server.TLSCert != "" {
			creds, err := grpcserver.ServerTLS(r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
			if err != nil {
				lis.Close()
				return err
			}
			extra = append(extra, creds)
		}
		gs := grpcserver.New(r.store, pipe, r.log, extra...)
		g.Go(func() error { return gs.Serve(ctx, lis) })
	}
	if len(opts.watchDirs) > 0 {
		w, err := watch.New(watch.Options{
			Dirs:     opts.watchDirs,
			Debounce: r.cfg.Watch.DebounceDuration(),
			Output:   opts.output,
			JobOpts:  opts.watchOpts,
			Existing: opts.existing,
		}, pipe, r.log)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// printResult writes the completion line followed by the saved outputs.
func printResult(w io.Writer, meta map[string]any) {
	if s, ok := meta["summary"].(string); ok {
		fmt.Fprintln(w, s)
	}
	for _, key := range []string{"output", "preview", "report"} {
		if v, ok := meta[key].(string); ok && v != "" {
			fmt.Fprintf(w, "  %-8s %s\n", key+":", v)
		}
	}
}

// printScan lists the bursts a scan found.
func printScan(w io.Writer, meta map[string]any) {
	fmt.Fprintf(w, "images: %v\n", meta["images"])
	bursts, _ := meta["bursts"].([]tasks.Burst)
	fmt.Fprintf(w, "bursts: %d\n", len(bursts))
	for _, b := range bursts {
		fmt.Fprintf(w, "  %-18s %3d frames  %s\n", b.Detection, b.Count(), b.BasePath)
	}
	manifests, _ := meta["manifests"].([]string)
	for _, m := range manifests {
		fmt.Fprintf(w, "manifest: %s\n", m)
	}
}

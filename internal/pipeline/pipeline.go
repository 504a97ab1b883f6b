package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"burstfuse/internal/config"
	"burstfuse/internal/logging"
	"burstfuse/internal/metrics"
	"burstfuse/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobFuse  JobType = "fuse"
	JobAlign JobType = "align"
	JobScan  JobType = "scan"
)

// ParseJobType validates a job type name.
func ParseJobType(s string) (JobType, bool) {
	switch t := JobType(s); t {
	case JobFuse, JobAlign, JobScan:
		return t, true
	}
	return "", false
}

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Error    error
	Meta     map[string]any
	Duration time.Duration
}

// Event is the wire form of a Result for streaming clients.
type Event struct {
	ID         string         `json:"id"`
	Type       JobType        `json:"type"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// NewEvent converts a Result.
func NewEvent(res Result) Event {
	ev := Event{
		ID:         res.Job.ID,
		Type:       res.Job.Type,
		Status:     "completed",
		Meta:       res.Meta,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *metrics.Metrics
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	stopped   bool
}

// New creates a Pipeline whose workers run fuse, align and scan jobs.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, m *metrics.Metrics) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, m, newRouter(logger, store, cfg, m))
}

// NewWithProcessor is New with a custom Processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, m *metrics.Metrics, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		metrics:   m,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// ErrQueueFull is returned by Submit when every slot is taken.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			res.Duration = time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, res.Duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
					"worker":  id,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, res.Duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}
			p.metrics.ObserveJob(string(job.Type), status, res.Duration)

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Wait submits job and blocks until its result is broadcast or ctx ends.
func (p *Pipeline) Wait(ctx context.Context, job Job) (Result, error) {
	ch, unsub := p.Subscribe()
	defer unsub()
	if err := p.Submit(job); err != nil {
		return Result{Job: job, Error: err}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Job: job}, ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return Result{Job: job}, ErrStopped
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

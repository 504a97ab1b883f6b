// Package watch turns burst manifests dropped into inbox directories into
// fuse jobs.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"burstfuse/internal/fsutil"
	"burstfuse/internal/pipeline"
)

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Dirs     []string
	Debounce time.Duration
	Output   string         // fuse output directory; empty uses the manifest's or the config default
	JobOpts  map[string]any // copied into every submitted job
	Existing bool           // also submit manifests already present at start
}

// Watcher monitors inbox directories for *.burst.json files. Writes to the
// same manifest inside the debounce window coalesce into one job, and a
// manifest is submitted again only after its modification time changes.
type Watcher struct {
	opts    Options
	submit  Submitter
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	seen    map[string]time.Time
}

// New creates a watcher; Run starts it.
func New(opts Options, submit Submitter, log *slog.Logger) (*Watcher, error) {
	if len(opts.Dirs) == 0 {
		return nil, errors.New("no watch directories configured")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:    opts,
		submit:  submit,
		log:     log,
		watcher: fw,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
		seen:    make(map[string]time.Time),
	}, nil
}

// Run watches until ctx is cancelled, then releases the fsnotify handle.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for _, dir := range w.opts.Dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("Watching directory", "dir", dir)
	}
	if w.opts.Existing {
		for _, dir := range w.opts.Dirs {
			manifests, err := fsutil.ListManifests(dir)
			if err != nil {
				return err
			}
			for _, m := range manifests {
				w.fire(m)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !fsutil.IsManifest(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(event.Name)

		case path := <-w.ready:
			w.fire(path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ready <- path
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) fire(path string) {
	st, err := os.Stat(path)
	if err != nil {
		// removed or renamed away before the debounce expired
		return
	}
	if prev, ok := w.seen[path]; ok && prev.Equal(st.ModTime()) {
		return
	}

	opts := make(map[string]any, len(w.opts.JobOpts))
	for k, v := range w.opts.JobOpts {
		opts[k] = v
	}
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobFuse,
		InputPath: path,
		Output:    w.opts.Output,
		Options:   opts,
	}
	if err := w.submit.Submit(job); err != nil {
		w.log.Warn("manifest not queued", "path", path, "error", err)
		return
	}
	w.seen[path] = st.ModTime()
	w.log.Info("manifest queued", "path", path, "job", job.ID)
}

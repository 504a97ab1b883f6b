package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"burstfuse/internal/metrics"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Server exposes the job queue and its history over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	hub      *Hub
	log      *slog.Logger
	server   *http.Server
}

// New creates a server. store and m may be nil.
func New(addr string, store *storage.Store, pipe *pipeline.Pipeline, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		metrics:  m,
		hub:      NewHub(log),
		log:      log,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(s.metrics.Middleware(routeTemplate)))
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/fuse", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.relay(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// relay forwards pipeline results to websocket clients.
func (s *Server) relay(ctx context.Context) {
	ch, unsub := s.pipeline.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(pipeline.NewEvent(res))
			if err != nil {
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	frames, err := s.store.FrameAlignments(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    rec,
		"meta":   meta,
		"frames": frames,
	})
}

type submitRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" || r.URL.Path == "/fuse" {
		req.Type = string(pipeline.JobFuse)
	}
	jt, ok := pipeline.ParseJobType(req.Type)
	if !ok {
		http.Error(w, "unknown job type: "+req.Type, http.StatusBadRequest)
		return
	}
	if req.Input == "" && req.Options["manifest"] == nil && req.Options["frames"] == nil {
		http.Error(w, "input, options.manifest or options.frames is required", http.StatusBadRequest)
		return
	}

	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      jt,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	switch err := s.pipeline.Submit(job); {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("job accepted", "id", job.ID, "type", job.Type, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(pipeline.NewEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

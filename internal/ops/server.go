package ops

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bugreport-pipeline/internal/queue"
	"bugreport-pipeline/internal/retention"
	"bugreport-pipeline/internal/telemetry"
	"bugreport-pipeline/internal/worker"
)

// Server exposes the operational surface: health, metrics, and pause/resume
// controls for queues and workers. It is not a public API.
type Server struct {
	manager   *worker.Manager
	queue     *queue.Manager
	retention *retention.Service
}

// New constructs the ops server. The retention service may be nil on
// worker-only deployments; retention routes then return 404.
func New(manager *worker.Manager, q *queue.Manager, ret *retention.Service) *Server {
	return &Server{
		manager:   manager,
		queue:     q,
		retention: ret,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/workers", s.handleWorkerMetrics)
	r.Post("/workers/{name}/pause", s.handlePauseWorker)
	r.Post("/workers/{name}/resume", s.handleResumeWorker)

	r.Get("/queues/{name}", s.handleQueueMetrics)
	r.Post("/queues/{name}/pause", s.handlePauseQueue)
	r.Post("/queues/{name}/resume", s.handleResumeQueue)
	r.Get("/queues/{name}/jobs/{id}", s.handleJobStatus)

	if s.retention != nil {
		r.Get("/retention/preview", s.handleRetentionPreview)
		r.Post("/retention/sweep", s.handleRetentionSweep)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.manager.HealthCheck()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleWorkerMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetMetrics())
}

func (s *Server) handlePauseWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.PauseWorker(name); err != nil {
		http.Error(w, err.Error(), workerErrCode(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "status": "paused"})
}

func (s *Server) handleResumeWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.ResumeWorker(name); err != nil {
		http.Error(w, err.Error(), workerErrCode(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "status": "running"})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	metrics, err := s.queue.GetQueueMetrics(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), queueErrCode(err))
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.queue.PauseQueue(r.Context(), name); err != nil {
		http.Error(w, err.Error(), queueErrCode(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "paused"})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.queue.ResumeQueue(r.Context(), name); err != nil {
		http.Error(w, err.Error(), queueErrCode(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "active"})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id := chi.URLParam(r, "id")
	status, err := s.queue.GetJobStatus(r.Context(), name, id)
	if err != nil {
		http.Error(w, err.Error(), queueErrCode(err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRetentionPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.retention.PreviewRetentionPolicy(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type sweepRequest struct {
	DryRun    bool `json:"dry_run"`
	BatchSize int  `json:"batch_size"`
}

func (s *Server) handleRetentionSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	result, err := s.retention.ApplyRetentionPolicies(r.Context(), retention.SweepOptions{
		DryRun:    req.DryRun,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func workerErrCode(err error) int {
	if errors.Is(err, worker.ErrUnknownWorker) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func queueErrCode(err error) int {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrShutDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"agentfactory/internal/domain"
	"agentfactory/internal/jobs/executor"
	"agentfactory/internal/jobs/queue"

	"github.com/charmbracelet/log"
)

type createJobRequest struct {
	Type         string             `json:"type"`
	AgentID      string             `json:"agentId"`
	Payload      json.RawMessage    `json:"payload"`
	Priority     domain.JobPriority `json:"priority"`
	MaxRetries   int                `json:"maxRetries"`
	ScheduledFor *time.Time         `json:"scheduledFor"`
}

func (s *Server) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		log.Error("Loading queue stats failed", "error", err)
		writeError(w, "Failed to load queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Pause()
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

func (s *Server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Resume()
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	cleared := s.deps.Queue.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if !executor.SupportedType(req.Type) {
		writeError(w, "Unknown job type", http.StatusBadRequest)
		return
	}
	if req.Type == domain.JobTypeAgent && req.AgentID == "" {
		writeError(w, "agentId is required for agent jobs", http.StatusBadRequest)
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = domain.JobPriorityMedium
	}
	if !priority.Valid() {
		writeError(w, "Unknown priority", http.StatusBadRequest)
		return
	}

	job, err := s.deps.Queue.Enqueue(r.Context(), queue.JobSpec{
		Type:         req.Type,
		AgentID:      req.AgentID,
		Payload:      req.Payload,
		MaxRetries:   req.MaxRetries,
		ScheduledFor: req.ScheduledFor,
	}, priority)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, job)
	case errors.Is(err, queue.ErrInvalidJob):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrQueueClosed):
		writeError(w, "Queue is shutting down", http.StatusServiceUnavailable)
	default:
		log.Error("Enqueue failed", "type", req.Type, "error", err)
		writeError(w, "Failed to enqueue job", http.StatusInternalServerError)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs(r.Context(), r.PathValue("id"))
	if err != nil {
		log.Error("Loading job failed", "id", r.PathValue("id"), "error", err)
		writeError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	if job == nil {
		writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Queue.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, "Job not found or already finished", http.StatusNotFound)
			return
		}
		log.Error("Cancelling job failed", "id", id, "error", err)
		writeError(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobStatusFailed)})
}

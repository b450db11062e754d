package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"agentfactory/internal/app/version"
	"agentfactory/internal/audit"
	"agentfactory/internal/auth"
	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/gate"
	"agentfactory/internal/jobs/runtime"

	"github.com/charmbracelet/log"
)

const healthCheckTimeout = 3 * time.Second

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	token, user, err := s.deps.Login(r.Context(), creds.Email, creds.Password)
	if err != nil {
		s.record(r.Context(), audit.Entry{
			Actor:        gate.ExtractIdentifier(r, config.InProductionMode),
			Action:       audit.ActionLogin,
			Resource:     creds.Email,
			Success:      false,
			ErrorMessage: err.Error(),
		})
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		log.Error("Login failed", "error", err)
		writeError(w, "Login failed", http.StatusInternalServerError)
		return
	}

	s.record(r.Context(), audit.Entry{
		Actor:    "user:" + strconv.FormatUint(uint64(user.ID), 10),
		Action:   audit.ActionLogin,
		Resource: user.Email,
		Success:  true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": user.Role})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{
		"status":   "ok",
		"instance": runtime.InstanceID(),
		"version":  version.Get().BuildVersion,
		"database": "ok",
	}

	if err := database.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}

	instances, err := runtime.CountActiveInstances(ctx, s.deps.Redis)
	if err != nil {
		log.Warn("Counting active instances failed", "error", err)
	}
	body["instances"] = instances

	if s.deps.Queue != nil {
		body["queue"] = s.deps.Queue.Status()
	}

	writeJSON(w, status, body)
}

func getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := decodeJSON(w, r, &newConfig); err != nil {
		log.Error("Error decoding request body:", err)
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(newConfig); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, config.GetConfig())
}

func (s *Server) record(ctx context.Context, entry audit.Entry) {
	if s.deps.Auditor == nil {
		return
	}
	if err := s.deps.Auditor.Record(ctx, entry); err != nil {
		log.Warn("Audit write failed", "action", entry.Action, "error", err)
	}
}

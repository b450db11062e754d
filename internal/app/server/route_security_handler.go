package server

import (
	"errors"
	"net/http"
	"strconv"

	"agentfactory/internal/auth"
	"agentfactory/internal/blacklist"
	"agentfactory/internal/database"
	"agentfactory/internal/domain"

	"github.com/charmbracelet/log"
)

type blockRequest struct {
	IP          string             `json:"ip"`
	ThreatLevel domain.ThreatLevel `json:"threatLevel"`
}

type unblockRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) listBlacklist(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := database.BlacklistFilter{
		IP:         query.Get("ip"),
		Reason:     query.Get("reason"),
		ActiveOnly: query.Get("active") == "true",
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}

	entries, err := s.deps.Blacklist.List(r.Context(), filter)
	if err != nil {
		log.Error("Listing blacklist failed", "error", err)
		writeError(w, "Failed to list blacklist", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.BlacklistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) blacklistStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Blacklist.Stats(r.Context())
	if err != nil {
		log.Error("Loading blacklist stats failed", "error", err)
		writeError(w, "Failed to load blacklist stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// blockAddress adds a manual entry. Repeating it for an already blocked
// address escalates the existing entry.
func (s *Server) blockAddress(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	level := req.ThreatLevel
	if level == "" {
		level = domain.ThreatLevelMedium
	}
	if !level.Valid() {
		writeError(w, "Unknown threat level", http.StatusBadRequest)
		return
	}

	entry, err := s.deps.Blacklist.Add(r.Context(), req.IP, domain.ReasonManual, blacklist.RequestContext{
		Actor:     auth.ActorFromRequest(r),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
	}, &domain.ThreatAnalysis{Level: level, MatchedPatterns: []string{}})
	if err != nil {
		if errors.Is(err, blacklist.ErrInvalidIdentifier) {
			writeError(w, "Invalid IP address", http.StatusBadRequest)
			return
		}
		log.Error("Manual block failed", "ip", req.IP, "error", err)
		writeError(w, "Failed to block address", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) unblockAddress(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ip := r.PathValue("ip")
	removed, err := s.deps.Blacklist.Remove(r.Context(), ip, auth.ActorFromRequest(r), req.Notes)
	if err != nil {
		if errors.Is(err, blacklist.ErrInvalidIdentifier) {
			writeError(w, "Invalid IP address", http.StatusBadRequest)
			return
		}
		log.Error("Unblock failed", "ip", ip, "error", err)
		writeError(w, "Failed to unblock address", http.StatusInternalServerError)
		return
	}
	if removed == 0 {
		writeError(w, "No active entry for address", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"agentfactory/internal/auth"
	"agentfactory/internal/blacklist"
	"agentfactory/internal/database"
	"agentfactory/internal/domain"
	"agentfactory/internal/jobs/queue"
	"agentfactory/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	maxRequestBody    = 1 << 20
)

// BlacklistService is the part of the blacklist store the admin routes use.
type BlacklistService interface {
	Add(ctx context.Context, ip, reason string, req blacklist.RequestContext, analysis *domain.ThreatAnalysis) (*domain.BlacklistEntry, error)
	Remove(ctx context.Context, ip, reviewer, notes string) (int64, error)
	Stats(ctx context.Context) (blacklist.Stats, error)
	List(ctx context.Context, filter database.BlacklistFilter) ([]domain.BlacklistEntry, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, spec queue.JobSpec, priority domain.JobPriority) (domain.QueuedJob, error)
	Cancel(ctx context.Context, id string) error
	Pause()
	Resume()
	Clear(ctx context.Context) int
	Status() queue.QueueStatus
	Stats(ctx context.Context) (queue.Stats, error)
}

// JobLookup reads persisted jobs by id; nil with no error means not found.
type JobLookup func(ctx context.Context, id string) (*domain.QueuedJob, error)

// LoginFunc checks credentials and returns a signed token.
type LoginFunc func(ctx context.Context, email, password string) (string, *domain.User, error)

type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// Deps are the services the HTTP layer is wired to.
type Deps struct {
	Blacklist BlacklistService
	Queue     JobQueue
	Jobs      JobLookup
	Gate      Middleware
	Auditor   blacklist.Auditor
	Login     LoginFunc
	Redis     *redis.Client
}

type Server struct {
	deps Deps
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewHandler builds the API mux behind CORS and the request gate.
func NewHandler(deps Deps) http.Handler {
	if deps.Jobs == nil {
		deps.Jobs = database.GetJob
	}
	if deps.Login == nil {
		deps.Login = auth.Login
	}
	s := &Server{deps: deps}

	router := http.NewServeMux()
	router.HandleFunc("POST /auth/login", s.login)
	router.HandleFunc("GET /health", s.health)
	router.HandleFunc("GET /version", getVersion)
	router.Handle("GET /metrics", metrics.Handler())

	router.Handle("GET /settings", auth.IsAdmin(http.HandlerFunc(getSettings)))
	router.Handle("POST /settings", auth.IsAdmin(http.HandlerFunc(saveSettings)))

	router.Handle("GET /security/blacklist", auth.IsAdmin(http.HandlerFunc(s.listBlacklist)))
	router.Handle("GET /security/blacklist/stats", auth.IsAdmin(http.HandlerFunc(s.blacklistStats)))
	router.Handle("POST /security/blacklist", auth.IsAdmin(http.HandlerFunc(s.blockAddress)))
	router.Handle("DELETE /security/blacklist/{ip}", auth.IsAdmin(http.HandlerFunc(s.unblockAddress)))

	router.Handle("GET /queue/status", auth.IsAdmin(http.HandlerFunc(s.queueStatus)))
	router.Handle("GET /queue/stats", auth.IsAdmin(http.HandlerFunc(s.queueStats)))
	router.Handle("POST /queue/pause", auth.IsAdmin(http.HandlerFunc(s.pauseQueue)))
	router.Handle("POST /queue/resume", auth.IsAdmin(http.HandlerFunc(s.resumeQueue)))
	router.Handle("POST /queue/clear", auth.IsAdmin(http.HandlerFunc(s.clearQueue)))

	router.Handle("POST /jobs", auth.IsAdmin(http.HandlerFunc(s.createJob)))
	router.Handle("GET /jobs/{id}", auth.IsAdmin(http.HandlerFunc(s.getJob)))
	router.Handle("POST /jobs/{id}/cancel", auth.IsAdmin(http.HandlerFunc(s.cancelJob)))

	log.Debug("Routes opened")

	var handler http.Handler = router
	if deps.Gate != nil {
		handler = deps.Gate.Middleware(handler)
	}
	return enableCORS(handler)
}

// OpenRoutes serves handler on port until ctx is cancelled, then drains
// in-flight requests. maxConns <= 0 leaves the listener unbounded.
func OpenRoutes(ctx context.Context, port, maxConns int, handler http.Handler) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("api server listen: %w", err)
	}
	if maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	log.Infof("Starting agentfactory backend on port :%d", port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	log.Info("API server stopped")
	return nil
}

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"agentfactory/internal/audit"
	"agentfactory/internal/blacklist"
	"agentfactory/internal/config"
	"agentfactory/internal/domain"
	"agentfactory/internal/metrics"
	"agentfactory/internal/threat"

	"github.com/charmbracelet/log"
)

const (
	ErrorCodeBlacklisted = "IP_BLACKLISTED"

	maxCapturedBody = 64 << 10
	analysisTimeout = 5 * time.Second
)

// Blacklist is the part of the blacklist store the gate drives.
type Blacklist interface {
	IsBlocked(ctx context.Context, ip string) bool
	Add(ctx context.Context, ip, reason string, req blacklist.RequestContext, analysis *domain.ThreatAnalysis) (*domain.BlacklistEntry, error)
}

type Analyzer interface {
	Analyze(req threat.Request) domain.ThreatAnalysis
}

type CountryLookup interface {
	Country(ip string) string
}

type Option func(*Gate)

func WithAuditor(a blacklist.Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

func WithAnalyzer(a Analyzer) Option {
	return func(g *Gate) {
		if a != nil {
			g.analyzer = a
		}
	}
}

func WithCountryLookup(c CountryLookup) Option {
	return func(g *Gate) { g.geo = c }
}

func WithFailureCounter(c FailureCounter) Option {
	return func(g *Gate) {
		if c != nil {
			g.failures = c
		}
	}
}

func WithProductionMode(production bool) Option {
	return func(g *Gate) { g.production = production }
}

func WithPolicy(policy func() config.SecurityConfig) Option {
	return func(g *Gate) {
		if policy != nil {
			g.policy = policy
		}
	}
}

// Gate rejects blacklisted clients and feeds failing requests back into the
// blacklist.
type Gate struct {
	blocks     Blacklist
	analyzer   Analyzer
	auditor    blacklist.Auditor
	geo        CountryLookup
	failures   FailureCounter
	production bool
	policy     func() config.SecurityConfig
}

func New(blocks Blacklist, opts ...Option) *Gate {
	g := &Gate{
		blocks:   blocks,
		analyzer: threat.NewScorer(nil),
		failures: NewMemoryFailureCounter(),
		policy: func() config.SecurityConfig {
			return config.GetConfig().Security
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware runs PreCheck, then PostAnalysis around next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return g.PreCheck(g.PostAnalysis(next))
}

func (g *Gate) PreCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ExtractIdentifier(r, g.production)
		if ip == "" || !g.blocks.IsBlocked(r.Context(), ip) {
			next.ServeHTTP(w, r)
			return
		}

		metrics.GateBlockedRequests.Inc()
		log.Warn("Blocked request from blacklisted address", "ip", ip, "method", r.Method, "path", r.URL.Path, "user_agent", r.UserAgent())
		g.record(r.Context(), audit.Entry{
			Action:   audit.ActionRequestBlocked,
			Resource: ip,
			Metadata: g.requestMetadata(r, ip),
			Success:  true,
		})

		writeBlocked(w)
	})
}

func (g *Gate) PostAnalysis(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ExtractIdentifier(r, g.production)
		if ip == "" {
			next.ServeHTTP(w, r)
			return
		}

		body := captureBody(r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < http.StatusBadRequest {
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), analysisTimeout)
		defer cancel()
		g.analyze(ctx, r, ip, body, rec.status)
	})
}

func (g *Gate) analyze(ctx context.Context, r *http.Request, ip string, body []byte, status int) {
	policy := g.policy()

	reason, ok := g.classify(r, status, policy)
	if !ok {
		return
	}

	analysis := g.analyzer.Analyze(threat.RequestFromHTTP(r, body))
	metrics.GateThreatScore.Observe(analysis.Score)

	switch reason {
	case domain.ReasonCurlAbuse:
		if analysis.Score <= policy.CurlAbuseThreshold() && !analysis.Level.AtLeast(domain.ThreatLevelHigh) {
			log.Debug("Suspicious request below block threshold", "ip", ip, "score", analysis.Score, "level", analysis.Level)
			return
		}
	case domain.ReasonFailedLogin:
		threshold, window := policy.LoginFailurePolicy()
		count, err := g.failures.Hit(ctx, ip, window)
		if err != nil {
			log.Warn("Failed to count login failure", "ip", ip, "error", err)
			return
		}
		if count < int64(threshold) {
			log.Debug("Login failure recorded", "ip", ip, "count", count, "threshold", threshold)
			return
		}
		if err := g.failures.Reset(ctx, ip); err != nil {
			log.Warn("Failed to reset login failure count", "ip", ip, "error", err)
		}
	}

	req := blacklist.RequestContext{
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Country:   g.country(ip),
	}
	if _, err := g.blocks.Add(ctx, ip, reason, req, &analysis); err != nil {
		log.Error("Failed to blacklist address", "ip", ip, "reason", reason, "error", err)
		metadata := g.requestMetadata(r, ip)
		metadata["reason"] = reason
		g.record(ctx, audit.Entry{
			Action:       audit.ActionBlacklistAdd,
			Resource:     ip,
			Metadata:     metadata,
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return
	}

	metrics.GateBlacklistAdditions.WithLabelValues(reason).Inc()
	log.Warn("Address blacklisted", "ip", ip, "reason", reason, "score", analysis.Score, "level", analysis.Level, "patterns", analysis.MatchedPatterns)
}

func (g *Gate) classify(r *http.Request, status int, policy config.SecurityConfig) (string, bool) {
	switch {
	case (status == http.StatusUnauthorized || status == http.StatusForbidden) && hasAuthPrefix(r.URL.Path, policy.AuthPrefixes()):
		return domain.ReasonFailedLogin, true
	case status == http.StatusTooManyRequests:
		return domain.ReasonAPIAbuse, true
	case status >= http.StatusBadRequest && LooksSuspicious(r):
		return domain.ReasonCurlAbuse, true
	}
	return "", false
}

func hasAuthPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gate) requestMetadata(r *http.Request, ip string) map[string]any {
	metadata := map[string]any{
		"userAgent": blacklist.SanitizeText(r.UserAgent(), 512),
		"path":      blacklist.SanitizeText(r.URL.Path, 1024),
		"method":    blacklist.SanitizeText(r.Method, 16),
	}
	if country := g.country(ip); country != "" {
		metadata["country"] = country
	}
	return metadata
}

func (g *Gate) country(ip string) string {
	if g.geo == nil {
		return ""
	}
	return g.geo.Country(ip)
}

func (g *Gate) record(ctx context.Context, entry audit.Entry) {
	if g.auditor == nil {
		return
	}
	if err := g.auditor.Record(ctx, entry); err != nil {
		log.Error("Failed to write audit entry", "action", entry.Action, "resource", entry.Resource, "error", err)
	}
}

type blockedResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeBlocked(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(blockedResponse{
		Error:   "Access Denied",
		Message: "Your IP address has been temporarily blocked due to suspicious activity.",
		Code:    ErrorCodeBlacklisted,
	})
}

// captureBody reads up to maxCapturedBody bytes for scoring and leaves the
// full body readable for the handler.
func captureBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody))
	if err != nil {
		log.Debug("Failed to capture request body", "error", err)
	}

	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	return buf
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.wroteHeader = true
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

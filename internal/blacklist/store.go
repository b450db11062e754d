package blacklist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agentfactory/internal/audit"
	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/domain"
	"agentfactory/internal/support"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const keyLockStripes = 64

var (
	ErrInvalidIdentifier = errors.New("blacklist: invalid identifier")
	ErrInvalidReason     = errors.New("blacklist: unknown reason")
)

var validReasons = map[string]struct{}{
	domain.ReasonFailedLogin: {},
	domain.ReasonAPIAbuse:    {},
	domain.ReasonCurlAbuse:   {},
	domain.ReasonManual:      {},
}

// Persistence is the storage the store reads and archives entries through.
type Persistence interface {
	CreateEntry(ctx context.Context, entry *domain.BlacklistEntry) error
	FindActiveEntries(ctx context.Context, ip string) ([]domain.BlacklistEntry, error)
	FindActiveEntry(ctx context.Context, ip, reason string) (*domain.BlacklistEntry, error)
	UpdateEntry(ctx context.Context, id uint64, patch map[string]any) error
	DeactivateEntries(ctx context.Context, ip, reviewer, notes string, at time.Time) (int64, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	Counts(ctx context.Context) (database.BlacklistCounts, error)
	List(ctx context.Context, filter database.BlacklistFilter) ([]domain.BlacklistEntry, error)
}

type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// EventPublisher receives block and unblock decisions for downstream enforcers.
type EventPublisher interface {
	PublishBlock(ctx context.Context, entry domain.BlacklistEntry) error
	PublishUnblock(ctx context.Context, ip string) error
}

// RequestContext describes the request that triggered an Add.
type RequestContext struct {
	Actor     string
	UserAgent string
	Path      string
	Method    string
	Country   string
}

// sanitized returns a copy whose fields fit the entry columns.
func (r RequestContext) sanitized() RequestContext {
	r.UserAgent = SanitizeText(r.UserAgent, 512)
	r.Path = SanitizeText(r.Path, 1024)
	r.Method = SanitizeText(r.Method, 16)
	r.Actor = SanitizeText(r.Actor, 255)
	r.Country = SanitizeText(r.Country, 8)
	return r
}

type Stats struct {
	TotalBlocked int64                        `json:"totalBlocked"`
	ActiveBlocks int64                        `json:"activeBlocks"`
	ThreatLevels map[domain.ThreatLevel]int64 `json:"threatLevels"`
}

type Option func(*Store)

func WithAuditor(a Auditor) Option {
	return func(s *Store) { s.auditor = a }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *Store) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPolicy overrides where block-duration settings are read from.
func WithPolicy(policy func() config.SecurityConfig) Option {
	return func(s *Store) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// Store is the registry of blocked client addresses.
type Store struct {
	db        Persistence
	auditor   Auditor
	publisher EventPublisher
	now       func() time.Time
	policy    func() config.SecurityConfig

	lookups  singleflight.Group
	keyLocks [keyLockStripes]sync.Mutex
}

func NewStore(db Persistence, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
		policy: func() config.SecurityConfig {
			return config.GetConfig().Security
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsBlocked reports whether ip has an active entry whose block has not ended.
// Lookup errors are logged and treated as not blocked.
func (s *Store) IsBlocked(ctx context.Context, ip string) bool {
	ip = NormalizeIdentifier(ip)
	if ip == "" || s == nil || s.db == nil {
		return false
	}

	v, err, _ := s.lookups.Do(ip, func() (any, error) {
		return s.db.FindActiveEntries(ctx, ip)
	})
	if err != nil {
		log.Warn("Blacklist lookup failed, allowing request", "ip", ip, "error", err)
		return false
	}

	entries, _ := v.([]domain.BlacklistEntry)
	now := s.now()
	for _, entry := range entries {
		if entry.BlockedAt(now) {
			return true
		}
	}
	return false
}

// Add records an offense. A repeat offense for the same (ip, reason) escalates
// the active entry using its stored level; otherwise a new entry is created
// from analysis (medium when analysis is nil).
func (s *Store) Add(ctx context.Context, ip, reason string, req RequestContext, analysis *domain.ThreatAnalysis) (*domain.BlacklistEntry, error) {
	ip = NormalizeIdentifier(ip)
	if ip == "" {
		return nil, ErrInvalidIdentifier
	}
	if _, ok := validReasons[reason]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	req = req.sanitized()

	lock := &s.keyLocks[support.HashString(ip+"|"+reason)%keyLockStripes]
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.db.FindActiveEntry(ctx, ip, reason)
	if err != nil {
		return nil, fmt.Errorf("blacklist: find entry for %s: %w", ip, err)
	}

	if existing != nil {
		return s.escalate(ctx, existing, req, analysis)
	}

	entry, err := s.create(ctx, ip, reason, req, analysis)
	if err == nil {
		return entry, nil
	}

	// another instance may have inserted the same (ip, reason) first
	existing, findErr := s.db.FindActiveEntry(ctx, ip, reason)
	if findErr != nil || existing == nil {
		return nil, fmt.Errorf("blacklist: create entry for %s: %w", ip, err)
	}
	return s.escalate(ctx, existing, req, analysis)
}

func (s *Store) create(ctx context.Context, ip, reason string, req RequestContext, analysis *domain.ThreatAnalysis) (*domain.BlacklistEntry, error) {
	now := s.now()

	level := domain.ThreatLevelMedium
	var score float64
	var patterns domain.StringList
	if analysis != nil {
		if analysis.Level.Valid() {
			level = analysis.Level
		}
		score = analysis.Score
		patterns = append(patterns, analysis.MatchedPatterns...)
	}

	entry := &domain.BlacklistEntry{
		IP:              ip,
		Reason:          reason,
		ThreatLevel:     level,
		AttemptCount:    1,
		Score:           score,
		MatchedPatterns: patterns,
		UserAgent:       req.UserAgent,
		Path:            req.Path,
		Method:          req.Method,
		FirstSeen:       now,
		LastSeen:        now,
		BlockedUntil:    now.Add(blockDuration(s.policy(), level, 1)),
		IsActive:        true,
	}

	if err := s.db.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}

	log.Info("Blacklist entry created", "ip", ip, "reason", reason, "level", level, "blocked_until", entry.BlockedUntil)
	s.afterBlock(ctx, audit.ActionBlacklistAdd, *entry, req)
	return entry, nil
}

func (s *Store) escalate(ctx context.Context, entry *domain.BlacklistEntry, req RequestContext, analysis *domain.ThreatAnalysis) (*domain.BlacklistEntry, error) {
	now := s.now()

	level := entry.ThreatLevel
	if !level.Valid() {
		level = domain.ThreatLevelMedium
	}

	attempts := entry.AttemptCount + 1
	if attempts < 2 {
		attempts = 2
	}

	until := now.Add(blockDuration(s.policy(), level, attempts))
	if until.Before(entry.BlockedUntil) {
		until = entry.BlockedUntil
	}

	patch := map[string]any{
		"attempt_count": attempts,
		"last_seen":     now,
		"blocked_until": until,
	}
	if req.UserAgent != "" {
		patch["user_agent"] = req.UserAgent
	}
	if req.Path != "" {
		patch["path"] = req.Path
		patch["method"] = req.Method
	}
	if analysis != nil && analysis.Score > entry.Score {
		patch["score"] = analysis.Score
		entry.Score = analysis.Score
	}

	if err := s.db.UpdateEntry(ctx, entry.ID, patch); err != nil {
		return nil, fmt.Errorf("blacklist: escalate entry %d: %w", entry.ID, err)
	}

	entry.ThreatLevel = level
	entry.AttemptCount = attempts
	entry.LastSeen = now
	entry.BlockedUntil = until
	if ua, ok := patch["user_agent"].(string); ok {
		entry.UserAgent = ua
	}
	if path, ok := patch["path"].(string); ok {
		entry.Path = path
		entry.Method = req.Method
	}

	log.Info("Blacklist entry escalated", "ip", entry.IP, "reason", entry.Reason, "attempts", attempts, "blocked_until", until)
	s.afterBlock(ctx, audit.ActionBlacklistEscalate, *entry, req)
	return entry, nil
}

func (s *Store) afterBlock(ctx context.Context, action string, entry domain.BlacklistEntry, req RequestContext) {
	metadata := map[string]any{
		"reason":       entry.Reason,
		"threatLevel":  entry.ThreatLevel,
		"attemptCount": entry.AttemptCount,
		"blockedUntil": entry.BlockedUntil,
		"userAgent":    req.UserAgent,
		"path":         req.Path,
		"method":       req.Method,
	}
	if req.Country != "" {
		metadata["country"] = req.Country
	}
	s.record(ctx, audit.Entry{
		Actor:    req.Actor,
		Action:   action,
		Resource: entry.IP,
		Metadata: metadata,
		Success:  true,
	})

	if s.publisher != nil {
		if err := s.publisher.PublishBlock(ctx, entry); err != nil {
			log.Warn("Failed to publish block event", "ip", entry.IP, "error", err)
		}
	}
}

// Remove archives every active entry for ip. It is a no-op when none exist.
func (s *Store) Remove(ctx context.Context, ip, reviewer, notes string) (int64, error) {
	ip = NormalizeIdentifier(ip)
	if ip == "" {
		return 0, ErrInvalidIdentifier
	}

	now := s.now()
	removed, err := s.db.DeactivateEntries(ctx, ip, reviewer, notes, now)
	if err != nil {
		s.record(ctx, audit.Entry{
			Actor:        reviewer,
			Action:       audit.ActionBlacklistRemove,
			Resource:     ip,
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return 0, fmt.Errorf("blacklist: remove %s: %w", ip, err)
	}
	if removed == 0 {
		return 0, nil
	}

	log.Info("Blacklist entries removed", "ip", ip, "reviewer", reviewer, "count", removed)
	s.record(ctx, audit.Entry{
		Actor:    reviewer,
		Action:   audit.ActionBlacklistRemove,
		Resource: ip,
		Metadata: map[string]any{"notes": notes, "count": removed},
		Success:  true,
	})

	if s.publisher != nil {
		if err := s.publisher.PublishUnblock(ctx, ip); err != nil {
			log.Warn("Failed to publish unblock event", "ip", ip, "error", err)
		}
	}
	return removed, nil
}

// CleanupExpired archives active entries whose block has ended.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	removed, err := s.db.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("blacklist: cleanup expired: %w", err)
	}
	if removed > 0 {
		log.Info("Expired blacklist entries archived", "count", removed)
		s.record(ctx, audit.Entry{
			Action:   audit.ActionBlacklistCleanup,
			Resource: "blacklist",
			Metadata: map[string]any{"count": removed},
			Success:  true,
		})
	}
	return removed, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.db.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("blacklist: stats: %w", err)
	}

	levels := make(map[domain.ThreatLevel]int64, len(domain.ThreatLevels))
	for _, level := range domain.ThreatLevels {
		levels[level] = counts.ByLevel[level]
	}

	return Stats{
		TotalBlocked: counts.Total,
		ActiveBlocks: counts.Active,
		ThreatLevels: levels,
	}, nil
}

func (s *Store) List(ctx context.Context, filter database.BlacklistFilter) ([]domain.BlacklistEntry, error) {
	if ip := NormalizeIdentifier(filter.IP); ip != "" {
		filter.IP = ip
	}
	return s.db.List(ctx, filter)
}

func (s *Store) record(ctx context.Context, entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		log.Error("Failed to write audit entry", "action", entry.Action, "resource", entry.Resource, "error", err)
	}
}

// BlockDuration returns how long an offense at level blocks for on its
// attempts-th occurrence, using the current security settings.
func BlockDuration(level domain.ThreatLevel, attempts int) time.Duration {
	return blockDuration(config.GetConfig().Security, level, attempts)
}

func blockDuration(policy config.SecurityConfig, level domain.ThreatLevel, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	backoff := uint64(1)
	limit := uint64(policy.BackoffCap())
	for i := 1; i < attempts && backoff < limit; i++ {
		backoff *= 2
	}
	if backoff > limit {
		backoff = limit
	}

	return policy.BaseBlockDuration() * time.Duration(policy.LevelMultiplier(string(level))) * time.Duration(backoff)
}

// NormalizeIdentifier trims an address and unwraps IPv4-mapped IPv6 forms.
// Anything that does not parse as an IP yields "".
func NormalizeIdentifier(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	value = strings.TrimPrefix(strings.TrimSuffix(value, "]"), "[")

	ip := net.ParseIP(value)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// SanitizeText makes request-derived text safe for Postgres text and jsonb
// columns: invalid UTF-8 becomes U+FFFD, NUL bytes are dropped and the
// result is cut to at most max bytes on a rune boundary.
func SanitizeText(value string, max int) string {
	value = strings.ToValidUTF8(value, "\uFFFD")
	value = strings.ReplaceAll(value, "\x00", "")
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

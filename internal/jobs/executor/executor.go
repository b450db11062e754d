package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfactory/internal/audit"
	"agentfactory/internal/blacklist"
	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/domain"

	"github.com/charmbracelet/log"
)

const (
	backupPageSize     = 500
	securityScanWindow = 24 * time.Hour
)

var (
	ErrUnknownJobType = errors.New("executor: unknown job type")
	ErrMissingAgentID = errors.New("executor: agent job requires an agent id")
	ErrNotConfigured  = errors.New("executor: collaborator not configured")
)

// AgentRunner executes one agent run.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentID string, input []byte) (any, error)
}

// Blacklist is the part of the blacklist store used by the system tasks.
type Blacklist interface {
	CleanupExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (blacklist.Stats, error)
	List(ctx context.Context, filter database.BlacklistFilter) ([]domain.BlacklistEntry, error)
}

type AuditStore interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
	FailuresSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

// BackupSink stores an encoded snapshot and returns where it went.
type BackupSink interface {
	Store(ctx context.Context, name string, body []byte) (string, error)
}

type Option func(*Executor)

func WithAgentRunner(r AgentRunner) Option {
	return func(e *Executor) { e.agents = r }
}

func WithBlacklist(b Blacklist) Option {
	return func(e *Executor) { e.blacklist = b }
}

func WithAuditStore(a AuditStore) Option {
	return func(e *Executor) { e.audit = a }
}

func WithBackupSink(s BackupSink) Option {
	return func(e *Executor) { e.backups = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func WithPolicy(policy func() config.SecurityConfig) Option {
	return func(e *Executor) {
		if policy != nil {
			e.policy = policy
		}
	}
}

// Executor dispatches queued jobs to agent runs or built-in system tasks.
type Executor struct {
	agents    AgentRunner
	blacklist Blacklist
	audit     AuditStore
	backups   BackupSink
	now       func() time.Time
	policy    func() config.SecurityConfig
}

func New(opts ...Option) *Executor {
	e := &Executor{
		now: time.Now,
		policy: func() config.SecurityConfig {
			return config.GetConfig().Security
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, jobType string, payload domain.JobPayload) (any, error) {
	switch jobType {
	case domain.JobTypeAgent:
		return e.runAgent(ctx, payload)
	case domain.JobTypeCleanup:
		return e.cleanup(ctx)
	case domain.JobTypeBackup:
		return e.backup(ctx)
	case domain.JobTypeSecurityScan:
		return e.securityScan(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
}

// SupportedType reports whether Execute knows jobType.
func SupportedType(jobType string) bool {
	switch jobType {
	case domain.JobTypeAgent, domain.JobTypeCleanup, domain.JobTypeBackup, domain.JobTypeSecurityScan:
		return true
	}
	return false
}

func (e *Executor) runAgent(ctx context.Context, payload domain.JobPayload) (any, error) {
	if payload.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	if e.agents == nil {
		return nil, fmt.Errorf("%w: agent runner", ErrNotConfigured)
	}
	return e.agents.RunAgent(ctx, payload.AgentID, payload.Input)
}

type CleanupResult struct {
	Task               string `json:"task"`
	DeactivatedEntries int64  `json:"deactivatedEntries"`
	PrunedAuditLogs    int64  `json:"prunedAuditLogs"`
}

func (e *Executor) cleanup(ctx context.Context) (CleanupResult, error) {
	result := CleanupResult{Task: domain.JobTypeCleanup}
	if e.blacklist == nil {
		return result, fmt.Errorf("%w: blacklist", ErrNotConfigured)
	}

	removed, err := e.blacklist.CleanupExpired(ctx)
	if err != nil {
		return result, err
	}
	result.DeactivatedEntries = removed

	retention := e.policy().AuditRetention()
	if e.audit != nil && retention > 0 {
		pruned, err := e.audit.Prune(ctx, e.now().Add(-retention))
		if err != nil {
			return result, err
		}
		result.PrunedAuditLogs = pruned
	}

	log.Info("Cleanup task finished", "deactivated", result.DeactivatedEntries, "pruned_audit_logs", result.PrunedAuditLogs)
	return result, nil
}

type BackupResult struct {
	Task     string `json:"task"`
	Entries  int    `json:"entries"`
	Bytes    int    `json:"bytes"`
	Location string `json:"location"`
}

func (e *Executor) backup(ctx context.Context) (BackupResult, error) {
	result := BackupResult{Task: domain.JobTypeBackup}
	if e.blacklist == nil || e.backups == nil {
		return result, fmt.Errorf("%w: backup", ErrNotConfigured)
	}

	var entries []domain.BlacklistEntry
	for offset := 0; ; offset += backupPageSize {
		page, err := e.blacklist.List(ctx, database.BlacklistFilter{Limit: backupPageSize, Offset: offset})
		if err != nil {
			return result, fmt.Errorf("executor: list blacklist: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < backupPageSize {
			break
		}
	}

	body, err := EncodeSnapshot(entries)
	if err != nil {
		return result, err
	}

	name := fmt.Sprintf("blacklist-%s.jsonl.gz", e.now().UTC().Format("20060102T150405Z"))
	location, err := e.backups.Store(ctx, name, body)
	if err != nil {
		return result, fmt.Errorf("executor: store backup: %w", err)
	}

	result.Entries = len(entries)
	result.Bytes = len(body)
	result.Location = location
	log.Info("Backup task finished", "entries", result.Entries, "bytes", result.Bytes, "location", location)
	return result, nil
}

type SecurityScanResult struct {
	Task          string           `json:"task"`
	Blacklist     blacklist.Stats  `json:"blacklist"`
	FailedActions map[string]int64 `json:"failedActions"`
	WindowHours   int              `json:"windowHours"`
	Findings      []string         `json:"findings"`
}

func (e *Executor) securityScan(ctx context.Context) (SecurityScanResult, error) {
	result := SecurityScanResult{
		Task:          domain.JobTypeSecurityScan,
		FailedActions: map[string]int64{},
		WindowHours:   int(securityScanWindow / time.Hour),
		Findings:      []string{},
	}
	if e.blacklist == nil {
		return result, fmt.Errorf("%w: blacklist", ErrNotConfigured)
	}

	stats, err := e.blacklist.Stats(ctx)
	if err != nil {
		return result, err
	}
	result.Blacklist = stats

	if e.audit != nil {
		failures, err := e.audit.FailuresSince(ctx, e.now().Add(-securityScanWindow))
		if err != nil {
			return result, err
		}
		result.FailedActions = failures
	}

	if n := stats.ThreatLevels[domain.ThreatLevelCritical]; n > 0 {
		result.Findings = append(result.Findings, fmt.Sprintf("%d critical threat entries recorded", n))
	}
	if n := result.FailedActions[audit.ActionBlacklistAdd]; n > 0 {
		result.Findings = append(result.Findings, fmt.Sprintf("%d blacklist writes failed in the last %dh", n, result.WindowHours))
	}
	if n := result.FailedActions[audit.ActionJobFailed]; n > 0 {
		result.Findings = append(result.Findings, fmt.Sprintf("%d jobs failed permanently in the last %dh", n, result.WindowHours))
	}

	log.Info("Security scan finished", "active_blocks", stats.ActiveBlocks, "findings", len(result.Findings))
	return result, nil
}

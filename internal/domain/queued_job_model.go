package domain

import (
	"encoding/json"
	"time"
)

type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityMedium JobPriority = "medium"
	JobPriorityHigh   JobPriority = "high"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

const (
	JobTypeAgent        = "agent"
	JobTypeCleanup      = "cleanup"
	JobTypeBackup       = "backup"
	JobTypeSecurityScan = "security-scan"

	DefaultJobMaxRetries = 3
)

// QueuedJob is the persisted record of a unit of work run by the job queue.
type QueuedJob struct {
	ID       string      `gorm:"primaryKey;size:36" json:"id"`
	Type     string      `gorm:"size:64;not null" json:"type"`
	AgentID  string      `gorm:"size:64" json:"agentId,omitempty"`
	Payload  JSONBlob    `gorm:"type:jsonb" json:"payload,omitempty"`
	Priority JobPriority `gorm:"size:16;not null;default:'medium'" json:"priority"`
	Status   JobStatus   `gorm:"size:16;not null;index" json:"status"`

	RetryCount   int        `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries   int        `gorm:"not null;default:3" json:"maxRetries"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`

	LastError   string     `gorm:"type:text" json:"lastError,omitempty"`
	Result      JSONBlob   `gorm:"type:jsonb" json:"result,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// JobPayload is what the executor receives for one job attempt.
type JobPayload struct {
	AgentID string          `json:"agentId,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (j QueuedJob) ExecutorPayload() JobPayload {
	return JobPayload{AgentID: j.AgentID, Input: json.RawMessage(j.Payload)}
}

func (p JobPriority) Valid() bool {
	return p == JobPriorityLow || p == JobPriorityMedium || p == JobPriorityHigh
}

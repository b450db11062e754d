package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentfactory/internal/database"
	"agentfactory/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	ActivityChannel = "agentfactory:activity"
	notifyTimeout   = 3 * time.Second
)

const (
	ActionRequestBlocked    = "gate.request_blocked"
	ActionBlacklistAdd      = "blacklist.add"
	ActionBlacklistEscalate = "blacklist.escalate"
	ActionBlacklistRemove   = "blacklist.remove"
	ActionBlacklistCleanup  = "blacklist.cleanup"
	ActionJobCompleted      = "job.completed"
	ActionJobRetry          = "job.retry"
	ActionJobFailed         = "job.failed"
	ActionJobCancelled      = "job.cancelled"
	ActionLogin             = "auth.login"
)

// Entry is one audit record before persistence.
type Entry struct {
	Actor        string
	Action       string
	Resource     string
	Metadata     map[string]any
	Success      bool
	ErrorMessage string
}

// Event is the activity notification pushed to dashboards.
type Event struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder persists audit entries and fans activity events out over redis.
// A nil redis client turns Notify into a debug log.
type Recorder struct {
	client  *redis.Client
	channel string
}

func NewRecorder(client *redis.Client) *Recorder {
	return &Recorder{client: client, channel: ActivityChannel}
}

func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	metadata, err := domain.MarshalJSONBlob(entry.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}

	row := &domain.AuditLog{
		Actor:        entry.Actor,
		Action:       entry.Action,
		Resource:     entry.Resource,
		Metadata:     metadata,
		Success:      entry.Success,
		ErrorMessage: entry.ErrorMessage,
	}
	if err := database.InsertAuditLog(ctx, row); err != nil {
		return fmt.Errorf("audit: insert %s: %w", entry.Action, err)
	}
	return nil
}

func (r *Recorder) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if r == nil || r.client == nil {
		log.Debug("Activity", "type", event.Type, "message", event.Message)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	return r.client.Publish(opCtx, r.channel, payload).Err()
}

// Prune deletes audit records older than before.
func (r *Recorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	removed, err := database.DeleteAuditLogsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return removed, nil
}

// FailuresSince counts unsuccessful records per action.
func (r *Recorder) FailuresSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	counts, err := database.CountFailedAuditLogsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("audit: count failures: %w", err)
	}
	return counts, nil
}

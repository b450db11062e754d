package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"agentfactory/internal/database"
	"agentfactory/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupAuditTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}

	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithSeedDefaults(false)); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() {
		database.DB = nil
	})

	return db
}

func TestRecorder_RecordPersistsEntry(t *testing.T) {
	db := setupAuditTestDB(t)
	rec := NewRecorder(nil)

	err := rec.Record(context.Background(), Entry{
		Action:   ActionBlacklistAdd,
		Resource: "203.0.113.7",
		Metadata: map[string]any{"reason": "curl_abuse", "attempts": 1},
		Success:  true,
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	var rows []domain.AuditLog
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load audit logs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}

	row := rows[0]
	if row.Actor != "system" || row.Action != ActionBlacklistAdd || !row.Success {
		t.Fatalf("unexpected row: %+v", row)
	}

	var meta map[string]any
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["reason"] != "curl_abuse" {
		t.Fatalf("metadata reason = %v", meta["reason"])
	}
}

func TestRecorder_RecordWithoutDatabase(t *testing.T) {
	database.DB = nil
	err := NewRecorder(nil).Record(context.Background(), Entry{Action: ActionJobFailed})
	if err == nil {
		t.Fatal("expected error without database")
	}
}

func TestRecorder_NotifyWithoutRedis(t *testing.T) {
	var rec *Recorder
	if err := rec.Notify(context.Background(), Event{Type: "job_completed"}); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
}

func TestRecorder_PruneAndFailures(t *testing.T) {
	db := setupAuditTestDB(t)
	rec := NewRecorder(nil)
	ctx := context.Background()

	for _, entry := range []Entry{
		{Action: ActionBlacklistAdd, Resource: "203.0.113.1", ErrorMessage: "db down"},
		{Action: ActionBlacklistAdd, Resource: "203.0.113.2", ErrorMessage: "db down"},
		{Action: ActionJobFailed, Resource: "job-1", ErrorMessage: "timeout"},
		{Action: ActionRequestBlocked, Resource: "203.0.113.3", Success: true},
	} {
		if err := rec.Record(ctx, entry); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := db.Model(&domain.AuditLog{}).Where("resource = ?", "job-1").Update("created_at", old).Error; err != nil {
		t.Fatalf("age audit row: %v", err)
	}

	failures, err := rec.FailuresSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("FailuresSince: %v", err)
	}
	if failures[ActionBlacklistAdd] != 2 || failures[ActionJobFailed] != 0 || len(failures) != 1 {
		t.Fatalf("unexpected failures: %v", failures)
	}

	removed, err := rec.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("pruned %d rows, want 1", removed)
	}
}

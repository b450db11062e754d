package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agentfactory/internal/database"
	"agentfactory/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithSeedDefaults(false)); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() {
		database.DB = nil
	})
	return db
}

func TestQueueWithDatabasePersistence(t *testing.T) {
	setupQueueTestDB(t)

	exec := executorFunc(func(_ context.Context, jobType string, _ domain.JobPayload) (any, error) {
		if jobType == "backup" {
			return nil, errors.New("bucket unreachable")
		}
		return map[string]int{"deactivated": 4}, nil
	})
	q := newTestQueue(t, DatabasePersistence{}, exec)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, JobSpec{Type: "cleanup"}, domain.JobPriorityMedium)
	if err != nil {
		t.Fatalf("Enqueue cleanup: %v", err)
	}
	bad, err := q.Enqueue(ctx, JobSpec{Type: "backup", MaxRetries: 1}, domain.JobPriorityHigh)
	if err != nil {
		t.Fatalf("Enqueue backup: %v", err)
	}

	jobStatus := func(id string) domain.JobStatus {
		job, err := database.GetJob(ctx, id)
		if err != nil || job == nil {
			return ""
		}
		return job.Status
	}
	waitFor(t, "jobs to finish", func() bool {
		return jobStatus(ok.ID) == domain.JobStatusCompleted && jobStatus(bad.ID) == domain.JobStatusFailed
	})

	done, err := database.GetJob(ctx, ok.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if string(done.Result) != `{"deactivated":4}` || done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}

	failed, err := database.GetJob(ctx, bad.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if failed.RetryCount != 1 || failed.LastError != "bucket unreachable" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRecoverFromDatabase(t *testing.T) {
	setupQueueTestDB(t)
	ctx := context.Background()

	started := time.Now().Add(-10 * time.Minute)
	stale := &domain.QueuedJob{ID: "7d1f3a52-0000-4000-8000-000000000001", Type: "security-scan", Priority: domain.JobPriorityMedium, Status: domain.JobStatusProcessing, MaxRetries: 3, StartedAt: &started}
	if err := database.CreateJobRecord(ctx, stale); err != nil {
		t.Fatalf("CreateJobRecord: %v", err)
	}

	q := newTestQueue(t, DatabasePersistence{}, executorFunc(func(context.Context, string, domain.JobPayload) (any, error) {
		return "ok", nil
	}))

	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	waitFor(t, "recovered job", func() bool {
		job, _ := database.GetJob(ctx, stale.ID)
		return job != nil && job.Status == domain.JobStatusCompleted
	})
}

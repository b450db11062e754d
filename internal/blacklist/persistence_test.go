package blacklist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupBlacklistTestDB(t *testing.T) *gorm.DB {
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

func TestStoreWithDatabasePersistence(t *testing.T) {
	db := setupBlacklistTestDB(t)
	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	store := NewStore(DatabasePersistence{},
		WithClock(clock.Now),
		WithPolicy(func() config.SecurityConfig { return config.SecurityConfig{} }),
	)
	ctx := context.Background()

	high := &domain.ThreatAnalysis{Score: 3, Level: domain.ThreatLevelHigh, MatchedPatterns: []string{"SQL injection"}}
	for i := 0; i < 3; i++ {
		if _, err := store.Add(ctx, "203.0.113.77", domain.ReasonFailedLogin, RequestContext{Path: "/api/login", Method: "POST"}, high); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		clock.Advance(time.Minute)
	}

	var rows []domain.BlacklistEntry
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single row, got %d", len(rows))
	}
	if rows[0].AttemptCount != 3 || len(rows[0].MatchedPatterns) != 1 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if !store.IsBlocked(ctx, "203.0.113.77") {
		t.Fatal("expected address to be blocked")
	}

	removed, err := store.Remove(ctx, "203.0.113.77", "ops", "reviewed")
	if err != nil || removed != 1 {
		t.Fatalf("Remove = %d, %v", removed, err)
	}
	if store.IsBlocked(ctx, "203.0.113.77") {
		t.Fatal("expected address to be unblocked")
	}

	entry, err := store.Add(ctx, "203.0.113.77", domain.ReasonFailedLogin, RequestContext{}, nil)
	if err != nil {
		t.Fatalf("Add after removal: %v", err)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("a new offense after review starts a fresh entry, got attempts %d", entry.AttemptCount)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalBlocked != 2 || stats.ActiveBlocks != 1 || stats.ThreatLevels[domain.ThreatLevelMedium] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

package database

import (
	"context"
	"fmt"
	"testing"

	"agentfactory/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: silentLogger()})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	if _, err := SetupDB(WithExistingDB(db), WithSeedDefaults(false)); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	t.Cleanup(func() {
		DB = nil
	})

	return db
}

func mustCreateEntry(t *testing.T, entry domain.BlacklistEntry) domain.BlacklistEntry {
	t.Helper()
	if err := CreateBlacklistEntry(context.Background(), &entry); err != nil {
		t.Fatalf("create blacklist entry: %v", err)
	}
	return entry
}

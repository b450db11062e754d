package blacklist

import (
	"context"
	"time"

	"agentfactory/internal/database"
	"agentfactory/internal/domain"
)

// DatabasePersistence stores entries in the shared gorm connection.
type DatabasePersistence struct{}

func (DatabasePersistence) CreateEntry(ctx context.Context, entry *domain.BlacklistEntry) error {
	return database.CreateBlacklistEntry(ctx, entry)
}

func (DatabasePersistence) FindActiveEntries(ctx context.Context, ip string) ([]domain.BlacklistEntry, error) {
	return database.FindActiveBlacklistEntries(ctx, ip)
}

func (DatabasePersistence) FindActiveEntry(ctx context.Context, ip, reason string) (*domain.BlacklistEntry, error) {
	return database.FindActiveBlacklistEntry(ctx, ip, reason)
}

func (DatabasePersistence) UpdateEntry(ctx context.Context, id uint64, patch map[string]any) error {
	return database.UpdateBlacklistEntry(ctx, id, patch)
}

func (DatabasePersistence) DeactivateEntries(ctx context.Context, ip, reviewer, notes string, at time.Time) (int64, error) {
	return database.DeactivateBlacklistEntries(ctx, ip, reviewer, notes, at)
}

func (DatabasePersistence) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	return database.DeactivateExpiredBlacklistEntries(ctx, now)
}

func (DatabasePersistence) Counts(ctx context.Context) (database.BlacklistCounts, error) {
	return database.CountBlacklistEntries(ctx)
}

func (DatabasePersistence) List(ctx context.Context, filter database.BlacklistFilter) ([]domain.BlacklistEntry, error) {
	return database.ListBlacklistEntries(ctx, filter)
}

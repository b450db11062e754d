package database

import (
	"fmt"

	"gorm.io/gorm"
)

const blacklistActiveIndexName = "idx_blacklist_entries_active_ip_reason"

// ensureBlacklistSchema enforces at most one active entry per (ip, reason).
// Duplicates left by racing writers are archived before the index is built.
func ensureBlacklistSchema(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("nil database connection")
	}

	if err := archiveDuplicateActiveEntries(db); err != nil {
		return fmt.Errorf("archive duplicate blacklist entries: %w", err)
	}

	query := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON blacklist_entries (ip, reason) WHERE is_active",
		blacklistActiveIndexName,
	)
	if err := db.Exec(query).Error; err != nil {
		return fmt.Errorf("create blacklist active index: %w", err)
	}

	return nil
}

func archiveDuplicateActiveEntries(db *gorm.DB) error {
	const cleanupQuery = `
WITH ranked AS (
	SELECT
		id,
		ROW_NUMBER() OVER (PARTITION BY ip, reason ORDER BY last_seen DESC, id DESC) AS rn
	FROM blacklist_entries
	WHERE is_active
)
UPDATE blacklist_entries
SET is_active = false
WHERE id IN (SELECT id FROM ranked WHERE rn > 1);
`
	return db.Exec(cleanupQuery).Error
}

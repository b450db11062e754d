package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentfactory/internal/domain"

	"gorm.io/gorm"
)

const defaultBlacklistPageSize = 100

// BlacklistFilter narrows ListBlacklistEntries.
type BlacklistFilter struct {
	IP         string
	Reason     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// BlacklistCounts aggregates the blacklist table.
type BlacklistCounts struct {
	Total   int64
	Active  int64
	ByLevel map[domain.ThreatLevel]int64
}

// CreateBlacklistEntry inserts a new entry. The partial unique index rejects a
// second active row for the same (ip, reason).
func CreateBlacklistEntry(ctx context.Context, entry *domain.BlacklistEntry) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(entry).Error
}

// FindActiveBlacklistEntries returns every active entry for ip, regardless of reason.
// Expiry is not filtered here; callers decide what "blocked" means at their clock.
func FindActiveBlacklistEntries(ctx context.Context, ip string) ([]domain.BlacklistEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var entries []domain.BlacklistEntry
	if err := db.Where("ip = ? AND is_active = ?", ip, true).
		Order("blocked_until DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// FindActiveBlacklistEntry returns the active entry for (ip, reason) or nil.
func FindActiveBlacklistEntry(ctx context.Context, ip, reason string) (*domain.BlacklistEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var entry domain.BlacklistEntry
	err = db.Where("ip = ? AND reason = ? AND is_active = ?", ip, reason, true).
		Order("id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateBlacklistEntry applies a column patch to one entry.
func UpdateBlacklistEntry(ctx context.Context, id uint64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	result := db.Model(&domain.BlacklistEntry{}).Where("id = ?", id).Updates(patch)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeactivateBlacklistEntries archives all active entries for ip and stamps the review.
func DeactivateBlacklistEntries(ctx context.Context, ip, reviewer, notes string, at time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Model(&domain.BlacklistEntry{}).
		Where("ip = ? AND is_active = ?", ip, true).
		Updates(map[string]any{
			"is_active":    false,
			"reviewed_by":  reviewer,
			"reviewed_at":  at,
			"review_notes": notes,
		})
	return result.RowsAffected, result.Error
}

// DeactivateExpiredBlacklistEntries archives active entries whose block ended before now.
func DeactivateExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Model(&domain.BlacklistEntry{}).
		Where("is_active = ? AND blocked_until <= ?", true, now).
		Update("is_active", false)
	return result.RowsAffected, result.Error
}

// CountBlacklistEntries returns total rows, active rows, and active rows per level.
func CountBlacklistEntries(ctx context.Context) (BlacklistCounts, error) {
	counts := BlacklistCounts{ByLevel: make(map[domain.ThreatLevel]int64, len(domain.ThreatLevels))}
	for _, level := range domain.ThreatLevels {
		counts.ByLevel[level] = 0
	}

	db, err := conn(ctx)
	if err != nil {
		return counts, err
	}

	if err := db.Model(&domain.BlacklistEntry{}).Count(&counts.Total).Error; err != nil {
		return counts, err
	}

	type levelRow struct {
		ThreatLevel domain.ThreatLevel
		Count       int64
	}
	var rows []levelRow
	if err := db.Model(&domain.BlacklistEntry{}).
		Select("threat_level, COUNT(*) AS count").
		Where("is_active = ?", true).
		Group("threat_level").
		Scan(&rows).Error; err != nil {
		return counts, err
	}

	for _, row := range rows {
		counts.ByLevel[row.ThreatLevel] += row.Count
		counts.Active += row.Count
	}
	return counts, nil
}

// ListBlacklistEntries pages through entries, newest activity first.
func ListBlacklistEntries(ctx context.Context, filter BlacklistFilter) ([]domain.BlacklistEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.BlacklistEntry{})
	if ip := strings.TrimSpace(filter.IP); ip != "" {
		query = query.Where("ip = ?", ip)
	}
	if reason := strings.TrimSpace(filter.Reason); reason != "" {
		query = query.Where("reason = ?", reason)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultBlacklistPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var entries []domain.BlacklistEntry
	if err := query.Order("last_seen DESC, id DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

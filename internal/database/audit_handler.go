package database

import (
	"context"
	"time"

	"agentfactory/internal/domain"
)

func InsertAuditLog(ctx context.Context, entry *domain.AuditLog) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(entry).Error
}

// CountFailedAuditLogsSince counts unsuccessful audit records per action.
func CountFailedAuditLogsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	type actionRow struct {
		Action string
		Count  int64
	}
	var rows []actionRow
	if err := db.Model(&domain.AuditLog{}).
		Select("action, COUNT(*) AS count").
		Where("success = ? AND created_at >= ?", false, since).
		Group("action").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Action] = row.Count
	}
	return out, nil
}

// DeleteAuditLogsBefore prunes audit history older than cutoff.
func DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Where("created_at < ?", cutoff).Delete(&domain.AuditLog{})
	return result.RowsAffected, result.Error
}

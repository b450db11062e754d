package database

import (
	"context"
	"errors"
	"time"

	"agentfactory/internal/domain"

	"gorm.io/gorm"
)

// JobCounts aggregates persisted job history.
type JobCounts struct {
	ByStatus          map[domain.JobStatus]int64
	AvgProcessingTime time.Duration
}

func CreateJobRecord(ctx context.Context, job *domain.QueuedJob) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(job).Error
}

// UpdateJobStatus writes a status transition plus any extra columns in patch.
func UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, patch map[string]any) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	updates := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		updates[k] = v
	}
	updates["status"] = status

	result := db.Model(&domain.QueuedJob{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetJob returns the job or nil when it does not exist.
func GetJob(ctx context.Context, id string) (*domain.QueuedJob, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var job domain.QueuedJob
	err = db.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsByStatus returns jobs in the given states, oldest first.
func ListJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.QueuedJob, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	var jobs []domain.QueuedJob
	if err := db.Where("status IN ?", statuses).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountJobs returns per-status counts and the mean started→completed duration
// of completed jobs.
func CountJobs(ctx context.Context) (JobCounts, error) {
	counts := JobCounts{ByStatus: make(map[domain.JobStatus]int64, 4)}

	db, err := conn(ctx)
	if err != nil {
		return counts, err
	}

	type statusRow struct {
		Status domain.JobStatus
		Count  int64
	}
	var rows []statusRow
	if err := db.Model(&domain.QueuedJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return counts, err
	}
	for _, row := range rows {
		counts.ByStatus[row.Status] = row.Count
	}

	var finished []domain.QueuedJob
	if err := db.Select("started_at", "completed_at").
		Where("status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", domain.JobStatusCompleted).
		Order("completed_at DESC").
		Limit(1000).
		Find(&finished).Error; err != nil {
		return counts, err
	}

	var total time.Duration
	for _, job := range finished {
		total += job.CompletedAt.Sub(*job.StartedAt)
	}
	if len(finished) > 0 {
		counts.AvgProcessingTime = total / time.Duration(len(finished))
	}

	return counts, nil
}

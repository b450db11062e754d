package queue

import (
	"context"

	"agentfactory/internal/database"
	"agentfactory/internal/domain"
)

// DatabasePersistence keeps job state in the shared gorm connection.
type DatabasePersistence struct{}

func (DatabasePersistence) CreateJob(ctx context.Context, job *domain.QueuedJob) error {
	return database.CreateJobRecord(ctx, job)
}

func (DatabasePersistence) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, patch map[string]any) error {
	return database.UpdateJobStatus(ctx, id, status, patch)
}

func (DatabasePersistence) ListJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.QueuedJob, error) {
	return database.ListJobsByStatus(ctx, statuses...)
}

func (DatabasePersistence) CountJobs(ctx context.Context) (database.JobCounts, error) {
	return database.CountJobs(ctx)
}

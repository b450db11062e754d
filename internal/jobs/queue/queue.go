package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"agentfactory/internal/audit"
	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/domain"
	"agentfactory/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	StatusRunning = "running"
	StatusPaused  = "paused"

	clearedError   = "cleared"
	persistTimeout = 5 * time.Second
	maxBackoff     = time.Hour
)

var (
	ErrQueueClosed  = errors.New("queue: closed")
	ErrJobNotFound  = errors.New("queue: job not found")
	ErrInvalidJob   = errors.New("queue: job type is required")
	ErrJobCancelled = errors.New("queue: job cancelled")
)

// Executor performs the actual work of a job.
type Executor interface {
	Execute(ctx context.Context, jobType string, payload domain.JobPayload) (any, error)
}

type Persistence interface {
	CreateJob(ctx context.Context, job *domain.QueuedJob) error
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, patch map[string]any) error
	ListJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.QueuedJob, error)
	CountJobs(ctx context.Context) (database.JobCounts, error)
}

type Notifier interface {
	Notify(ctx context.Context, event audit.Event) error
}

type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// JobSpec describes a job to enqueue. MaxRetries <= 0 uses the configured
// default.
type JobSpec struct {
	Type         string
	AgentID      string
	Payload      json.RawMessage
	MaxRetries   int
	ScheduledFor *time.Time
}

// QueueStatus is the administrative view of the queue.
type QueueStatus struct {
	Status      string `json:"status"`
	QueueLength int    `json:"queueLength"`
	Processing  int    `json:"processing"`
}

// Stats combines the live queue with persisted job history.
type Stats struct {
	QueueLength             int     `json:"queueLength"`
	Processing              int     `json:"processing"`
	Scheduled               int     `json:"scheduled"`
	Completed               int64   `json:"completed"`
	Failed                  int64   `json:"failed"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTime"`
}

// Outcome is the result kind of a single job attempt.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetry
	OutcomeFailed
	OutcomeDeferred
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Option func(*Queue)

func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func WithAuditor(a Auditor) Option {
	return func(q *Queue) { q.auditor = a }
}

func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

func WithDefaultMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.defaultRetries = n
		}
	}
}

// WithBackoff replaces the delay applied before re-queuing a failed job.
func WithBackoff(fn func(retryCount int) time.Duration) Option {
	return func(q *Queue) {
		if fn != nil {
			q.backoff = fn
		}
	}
}

func WithJobTimeout(fn func() time.Duration) Option {
	return func(q *Queue) {
		if fn != nil {
			q.jobTimeout = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue runs jobs from an in-memory priority list with a hard concurrency
// bound. A job id is in at most one of waiting, processing or scheduled.
type Queue struct {
	persist  Persistence
	executor Executor
	notifier Notifier
	auditor  Auditor

	limit          int
	defaultRetries int
	backoff        func(retryCount int) time.Duration
	jobTimeout     func() time.Duration
	now            func() time.Time

	slots *semaphore.Weighted

	mu         sync.Mutex
	waiting    []*domain.QueuedJob
	processing map[string]context.CancelCauseFunc
	scheduled  map[string]*scheduledJob
	paused     bool
	closed     bool

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

type scheduledJob struct {
	job   *domain.QueuedJob
	timer *time.Timer
}

func New(persist Persistence, executor Executor, opts ...Option) *Queue {
	queueCfg := config.GetConfig().Queue

	q := &Queue{
		persist:        persist,
		executor:       executor,
		limit:          queueCfg.Concurrency(),
		defaultRetries: queueCfg.MaxRetries(),
		backoff:        RetryDelay,
		jobTimeout:     config.GetJobTimeout,
		now:            time.Now,
		processing:     make(map[string]context.CancelCauseFunc),
		scheduled:      make(map[string]*scheduledJob),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.slots = semaphore.NewWeighted(int64(q.limit))
	return q
}

// RetryDelay is 2^retryCount seconds.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	seconds := math.Pow(2, float64(retryCount))
	if seconds >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// Start runs the periodic drain until ctx is done or the queue is closed.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runDrainLoop(ctx)
	}()
}

func (q *Queue) runDrainLoop(ctx context.Context) {
	updates := config.DrainIntervalUpdates()

	interval := <-updates
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Job queue started", "concurrency", q.limit, "drain_interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case newInterval := <-updates:
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
				log.Info("Job queue drain interval updated", "interval", interval)
			}
		case <-ticker.C:
			q.drain()
		}
	}
}

func (q *Queue) Enqueue(ctx context.Context, spec JobSpec, priority domain.JobPriority) (domain.QueuedJob, error) {
	if spec.Type == "" {
		return domain.QueuedJob{}, ErrInvalidJob
	}
	if priority == "" {
		priority = domain.JobPriorityMedium
	}
	if !priority.Valid() {
		return domain.QueuedJob{}, fmt.Errorf("queue: invalid priority %q", priority)
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return domain.QueuedJob{}, ErrQueueClosed
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.defaultRetries
	}

	job := &domain.QueuedJob{
		ID:           uuid.NewString(),
		Type:         spec.Type,
		AgentID:      spec.AgentID,
		Payload:      domain.JSONBlob(spec.Payload),
		Priority:     priority,
		Status:       domain.JobStatusPending,
		MaxRetries:   maxRetries,
		ScheduledFor: spec.ScheduledFor,
		CreatedAt:    q.now(),
	}
	if err := q.persist.CreateJob(ctx, job); err != nil {
		return domain.QueuedJob{}, fmt.Errorf("queue: persist job: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.QueuedJob{}, ErrQueueClosed
	}
	snapshot := *job
	q.insertLocked(job)
	q.mu.Unlock()

	log.Debug("Job enqueued", "id", job.ID, "type", job.Type, "priority", priority)
	q.drain()
	return snapshot, nil
}

// insertLocked puts high priority jobs at the front and everything else at
// the back.
func (q *Queue) insertLocked(job *domain.QueuedJob) {
	if job.Priority == domain.JobPriorityHigh {
		q.waiting = append([]*domain.QueuedJob{job}, q.waiting...)
	} else {
		q.waiting = append(q.waiting, job)
	}
	metrics.QueueWaiting.Set(float64(len(q.waiting)))
}

// drain starts waiting jobs until the queue is empty or every slot is taken.
// It never waits for a job to finish.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.paused && !q.closed && len(q.waiting) > 0 {
		if !q.slots.TryAcquire(1) {
			break
		}

		job := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]

		ctx, cancel := context.WithCancelCause(context.Background())
		q.processing[job.ID] = cancel

		q.wg.Add(1)
		go q.process(ctx, job)
	}

	metrics.QueueWaiting.Set(float64(len(q.waiting)))
	metrics.QueueProcessing.Set(float64(len(q.processing)))
}

func (q *Queue) process(ctx context.Context, job *domain.QueuedJob) {
	requeueAfter := time.Duration(-1)

	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		// a Cancel that returned nil always ran before this point
		cancelled := isCancelled(ctx)
		if cancel, ok := q.processing[job.ID]; ok {
			cancel(nil)
			delete(q.processing, job.ID)
		}
		if requeueAfter >= 0 && !q.closed && !cancelled {
			q.scheduleLocked(job, requeueAfter)
		}
		metrics.QueueProcessing.Set(float64(len(q.processing)))
		q.mu.Unlock()

		if requeueAfter >= 0 && cancelled {
			q.fail(job, ErrJobCancelled, audit.ActionJobCancelled, "job_cancelled")
		}

		q.slots.Release(1)
		q.drain()
	}()

	startedAt := q.now()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = &startedAt
	q.updateStatus(job, domain.JobStatusProcessing, map[string]any{"started_at": startedAt})

	if isCancelled(ctx) {
		q.fail(job, ErrJobCancelled, audit.ActionJobCancelled, "job_cancelled")
		return
	}

	if job.ScheduledFor != nil && job.ScheduledFor.After(startedAt) {
		requeueAfter = job.ScheduledFor.Sub(startedAt)
		q.deferJob(job)
		return
	}

	result, err := q.execute(ctx, job)
	metrics.QueueJobDuration.Observe(q.now().Sub(startedAt).Seconds())

	outcome := q.classify(ctx, job, err)
	metrics.QueueJobOutcomes.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case OutcomeCompleted:
		q.complete(job, result)
	case OutcomeRetry:
		requeueAfter = q.retry(job, err)
	case OutcomeCancelled:
		q.fail(job, ErrJobCancelled, audit.ActionJobCancelled, "job_cancelled")
	default:
		q.fail(job, err, audit.ActionJobFailed, "job_failed")
	}
}

func (q *Queue) execute(ctx context.Context, job *domain.QueuedJob) (result any, err error) {
	runCtx := ctx
	if timeout := q.jobTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	if q.executor == nil {
		return nil, errors.New("queue: no executor configured")
	}
	return q.executor.Execute(runCtx, job.Type, job.ExecutorPayload())
}

func (q *Queue) classify(ctx context.Context, job *domain.QueuedJob, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case isCancelled(ctx):
		return OutcomeCancelled
	case job.RetryCount < job.MaxRetries:
		return OutcomeRetry
	default:
		return OutcomeFailed
	}
}

func isCancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrJobCancelled)
}

// deferJob puts a job whose scheduledFor lies in the future back to pending
// without consuming a retry.
func (q *Queue) deferJob(job *domain.QueuedJob) {
	job.Status = domain.JobStatusPending
	job.StartedAt = nil
	q.updateStatus(job, domain.JobStatusPending, map[string]any{"started_at": nil})
	metrics.QueueJobOutcomes.WithLabelValues(OutcomeDeferred.String()).Inc()
	log.Debug("Job deferred", "id", job.ID, "scheduled_for", job.ScheduledFor)
}

func (q *Queue) complete(job *domain.QueuedJob, result any) {
	completedAt := q.now()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &completedAt

	patch := map[string]any{"completed_at": completedAt, "last_error": ""}
	if blob, err := domain.MarshalJSONBlob(result); err != nil {
		log.Warn("Failed to encode job result", "id", job.ID, "error", err)
	} else {
		job.Result = blob
		patch["result"] = blob
	}
	q.updateStatus(job, domain.JobStatusCompleted, patch)

	log.Info("Job completed", "id", job.ID, "type", job.Type, "duration", completedAt.Sub(*job.StartedAt))
	q.notify(job, "job_completed", fmt.Sprintf("Job %s completed", job.Type), nil)
	q.record(job, audit.ActionJobCompleted, true, "")
}

func (q *Queue) retry(job *domain.QueuedJob, cause error) time.Duration {
	job.RetryCount++
	job.Status = domain.JobStatusPending
	job.StartedAt = nil
	job.LastError = cause.Error()

	q.updateStatus(job, domain.JobStatusPending, map[string]any{
		"retry_count": job.RetryCount,
		"last_error":  job.LastError,
		"started_at":  nil,
	})

	delay := q.backoff(job.RetryCount)
	log.Warn("Job failed, retrying", "id", job.ID, "type", job.Type, "retry", job.RetryCount, "max_retries", job.MaxRetries, "delay", delay, "error", cause)
	q.notify(job, "job_retry", fmt.Sprintf("Job %s failed, retry %d/%d", job.Type, job.RetryCount, job.MaxRetries), map[string]any{
		"retryCount": job.RetryCount,
		"delay":      delay.String(),
		"error":      job.LastError,
	})
	return delay
}

func (q *Queue) fail(job *domain.QueuedJob, cause error, action, eventType string) {
	completedAt := q.now()
	job.Status = domain.JobStatusFailed
	job.CompletedAt = &completedAt
	job.LastError = cause.Error()

	q.updateStatus(job, domain.JobStatusFailed, map[string]any{
		"completed_at": completedAt,
		"last_error":   job.LastError,
	})

	log.Error("Job failed", "id", job.ID, "type", job.Type, "retries", job.RetryCount, "error", cause)
	q.notify(job, eventType, fmt.Sprintf("Job %s failed: %s", job.Type, job.LastError), map[string]any{"error": job.LastError})
	q.record(job, action, false, job.LastError)
}

// scheduleLocked re-inserts job into the waiting list after delay.
func (q *Queue) scheduleLocked(job *domain.QueuedJob, delay time.Duration) {
	entry := &scheduledJob{job: job}
	entry.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		current, ok := q.scheduled[job.ID]
		if !ok || current != entry || q.closed {
			q.mu.Unlock()
			return
		}
		delete(q.scheduled, job.ID)
		q.insertLocked(job)
		q.mu.Unlock()

		q.drain()
	})
	q.scheduled[job.ID] = entry
}

// Cancel stops a job wherever it currently is. In-flight jobs see their
// context cancelled and end as failed without further retries.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()

	if cancel, ok := q.processing[id]; ok {
		cancel(ErrJobCancelled)
		q.mu.Unlock()
		log.Info("Cancelling running job", "id", id)
		return nil
	}

	var job *domain.QueuedJob
	for i, waiting := range q.waiting {
		if waiting.ID == id {
			job = waiting
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	if job == nil {
		if entry, ok := q.scheduled[id]; ok {
			entry.timer.Stop()
			delete(q.scheduled, id)
			job = entry.job
		}
	}
	metrics.QueueWaiting.Set(float64(len(q.waiting)))
	q.mu.Unlock()

	if job == nil {
		return ErrJobNotFound
	}
	q.fail(job, ErrJobCancelled, audit.ActionJobCancelled, "job_cancelled")
	return nil
}

// Pause stops new work from starting. Running jobs are not interrupted.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Info("Job queue paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Info("Job queue resumed")
	q.drain()
}

// Clear discards every job that is not running and marks it failed with
// error "cleared". It returns the number of discarded jobs.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	discarded := make([]*domain.QueuedJob, 0, len(q.waiting)+len(q.scheduled))
	discarded = append(discarded, q.waiting...)
	q.waiting = nil
	for id, entry := range q.scheduled {
		entry.timer.Stop()
		discarded = append(discarded, entry.job)
		delete(q.scheduled, id)
	}
	metrics.QueueWaiting.Set(0)
	q.mu.Unlock()

	for _, job := range discarded {
		completedAt := q.now()
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &completedAt
		job.LastError = clearedError
		q.updateStatus(job, domain.JobStatusFailed, map[string]any{
			"completed_at": completedAt,
			"last_error":   clearedError,
		})
	}

	if len(discarded) > 0 {
		log.Info("Job queue cleared", "discarded", len(discarded))
		q.notifyCtx(ctx, audit.Event{
			Type:    "queue_cleared",
			Message: fmt.Sprintf("%d queued jobs discarded", len(discarded)),
			Data:    map[string]any{"discarded": len(discarded)},
		})
	}
	return len(discarded)
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := StatusRunning
	if q.paused {
		status = StatusPaused
	}
	return QueueStatus{
		Status:      status,
		QueueLength: len(q.waiting),
		Processing:  len(q.processing),
	}
}

// Stats reports live counts plus completed/failed totals from persistence.
// Persistence errors leave the history fields zero.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	stats := Stats{
		QueueLength: len(q.waiting),
		Processing:  len(q.processing),
		Scheduled:   len(q.scheduled),
	}
	q.mu.Unlock()

	counts, err := q.persist.CountJobs(ctx)
	if err != nil {
		return stats, fmt.Errorf("queue: count jobs: %w", err)
	}
	stats.Completed = counts.ByStatus[domain.JobStatusCompleted]
	stats.Failed = counts.ByStatus[domain.JobStatusFailed]
	stats.AverageProcessingTimeMs = float64(counts.AvgProcessingTime) / float64(time.Millisecond)
	return stats, nil
}

// Recover re-queues persisted jobs left pending or processing by a previous
// process. Jobs already known to this queue are skipped.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	jobs, err := q.persist.ListJobsByStatus(ctx, domain.JobStatusProcessing, domain.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("queue: list unfinished jobs: %w", err)
	}

	recovered := 0
	for i := range jobs {
		job := jobs[i]

		if job.Status == domain.JobStatusProcessing {
			if err := q.persist.UpdateJobStatus(ctx, job.ID, domain.JobStatusPending, map[string]any{"started_at": nil}); err != nil {
				log.Warn("Failed to reset stale job", "id", job.ID, "error", err)
				continue
			}
			job.Status = domain.JobStatusPending
			job.StartedAt = nil
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return recovered, ErrQueueClosed
		}
		if q.knownLocked(job.ID) {
			q.mu.Unlock()
			continue
		}
		q.insertLocked(&job)
		q.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		log.Info("Recovered unfinished jobs", "count", recovered)
	}
	q.drain()
	return recovered, nil
}

func (q *Queue) knownLocked(id string) bool {
	if _, ok := q.processing[id]; ok {
		return true
	}
	if _, ok := q.scheduled[id]; ok {
		return true
	}
	for _, job := range q.waiting {
		if job.ID == id {
			return true
		}
	}
	return false
}

// Close stops the drain loop and pending timers, then waits for running jobs
// until ctx is done. Jobs still running at that point are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for id, entry := range q.scheduled {
		entry.timer.Stop()
		delete(q.scheduled, id)
	}
	q.mu.Unlock()
	q.once.Do(func() { close(q.stop) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for _, cancel := range q.processing {
			cancel(ErrQueueClosed)
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *Queue) updateStatus(job *domain.QueuedJob, status domain.JobStatus, patch map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := q.persist.UpdateJobStatus(ctx, job.ID, status, patch); err != nil {
		log.Error("Failed to persist job status", "id", job.ID, "status", status, "error", err)
	}
}

func (q *Queue) notify(job *domain.QueuedJob, eventType, message string, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 3)
	}
	data["jobId"] = job.ID
	data["type"] = job.Type
	if job.AgentID != "" {
		data["agentId"] = job.AgentID
	}
	q.notifyCtx(context.Background(), audit.Event{Type: eventType, Message: message, Data: data})
}

func (q *Queue) notifyCtx(ctx context.Context, event audit.Event) {
	if q.notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = q.now().UTC()
	}
	if err := q.notifier.Notify(ctx, event); err != nil {
		log.Warn("Failed to publish job event", "type", event.Type, "error", err)
	}
}

func (q *Queue) record(job *domain.QueuedJob, action string, success bool, errMsg string) {
	if q.auditor == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	metadata := map[string]any{
		"type":       job.Type,
		"priority":   job.Priority,
		"retryCount": job.RetryCount,
	}
	if job.AgentID != "" {
		metadata["agentId"] = job.AgentID
	}
	if err := q.auditor.Record(ctx, audit.Entry{
		Action:       action,
		Resource:     job.ID,
		Metadata:     metadata,
		Success:      success,
		ErrorMessage: errMsg,
	}); err != nil {
		log.Error("Failed to write audit entry", "action", action, "job", job.ID, "error", err)
	}
}

package pipeline

import (
	"database/sql"
	"sync"
	"time"

	"github.com/labshot/labshot/bus"
	"github.com/labshot/labshot/errors"
)

// MaxJobsLimit caps list queries used for counting.
const MaxJobsLimit = 10000

// Queue manages durable pipeline jobs and publishes every state change to
// the notification bus.
type Queue struct {
	store  *Store
	events *bus.Bus
	mu     sync.Mutex
}

// NewQueue creates a job queue. The bus may be nil, in which case updates
// are persisted but not broadcast.
func NewQueue(db *sql.DB, events *bus.Bus) *Queue {
	return &Queue{store: NewStore(db), events: events}
}

// Enqueue adds a new job. A second active job for the same artifact digest
// is rejected so concurrent capture triggers collapse to one pipeline run.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.FindActiveJobByArtifact(job.ImageSHA256)
	if err != nil {
		return errors.Wrap(err, "failed to check for active job")
	}
	if existing != nil {
		return errors.Wrapf(errors.ErrDuplicateJob,
			"artifact %s already has active job %s", job.ImageSHA256, existing.ID)
	}

	if err := q.store.CreateJob(job); err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s", job.ID)
	}

	q.publish(job)
	return nil
}

// Dequeue claims the oldest queued job and marks it running. Returns nil
// when no work is available.
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextQueuedJob()
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	job.Start()
	if err := q.store.UpdateJob(job); err != nil {
		return nil, errors.Wrapf(err, "failed to mark job %s as running", job.ID)
	}

	q.publish(job)
	return job, nil
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(id string) (*Job, error) {
	return q.store.GetJob(id)
}

// UpdateJob persists a job's state and broadcasts the change.
func (q *Queue) UpdateJob(job *Job) error {
	if err := q.store.UpdateJob(job); err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.ID)
	}
	q.publish(job)
	return nil
}

// CompleteJob marks a job as completed.
func (q *Queue) CompleteJob(id string) error {
	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}

	job.Complete()
	if err := q.store.UpdateJob(job); err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}

	q.publish(job)
	return nil
}

// FailJob marks a job as failed with the given error.
func (q *Queue) FailJob(id string, jobErr error) error {
	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s as failed", id)
	}

	job.Fail(jobErr)
	if err := q.store.UpdateJob(job); err != nil {
		return errors.Wrapf(err, "failed to mark job %s as failed", id)
	}

	q.publish(job)
	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (q *Queue) ListJobs(status *Status, limit int) ([]*Job, error) {
	return q.store.ListJobs(status, limit)
}

// Cleanup removes terminal jobs older than the retention window.
func (q *Queue) Cleanup(olderThan time.Duration) (int, error) {
	return q.store.CleanupOldJobs(olderThan)
}

// Stats summarizes the queue by status.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats counts jobs per status.
func (q *Queue) GetStats() (*Stats, error) {
	stats := &Stats{}
	for _, status := range []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed} {
		jobs, err := q.store.ListJobs(&status, MaxJobsLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s jobs", status)
		}

		count := len(jobs)
		switch status {
		case StatusQueued:
			stats.Queued = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}

	return stats, nil
}

func (q *Queue) publish(job *Job) {
	if q.events == nil {
		return
	}
	snapshot := *job
	q.events.Publish(bus.Event{Type: bus.TypeJobUpdate, Payload: &snapshot})
}

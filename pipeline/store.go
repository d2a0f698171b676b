package pipeline

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/errors"
)

// Store handles persistence of pipeline jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a pipeline job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, image_path, image_sha256, stage, status, attributes,
	record_id, label_path, error, attempts,
	created_at, updated_at, started_at, completed_at`

// CreateJob inserts a new job.
func (s *Store) CreateJob(job *Job) error {
	attributes, attempts, lastError, err := marshalJobColumns(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipeline_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		job.ID,
		job.ImagePath,
		job.ImageSHA256,
		job.Stage,
		job.Status,
		attributes,
		nullInt(job.RecordID),
		nullString(job.LabelPath),
		lastError,
		attempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// UpdateJob updates an existing job.
func (s *Store) UpdateJob(job *Job) error {
	attributes, attempts, lastError, err := marshalJobColumns(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE pipeline_jobs
		SET stage = ?,
		    status = ?,
		    attributes = ?,
		    record_id = ?,
		    label_path = ?,
		    error = ?,
		    attempts = ?,
		    updated_at = ?,
		    started_at = ?,
		    completed_at = ?
		WHERE id = ?
	`

	_, err = s.db.Exec(query,
		job.Stage,
		job.Status,
		attributes,
		nullInt(job.RecordID),
		nullString(job.LabelPath),
		lastError,
		attempts,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(status *Status, limit int) ([]*Job, error) {
	var (
		query string
		args  []interface{}
	)

	base := `SELECT ` + jobColumns + ` FROM pipeline_jobs`
	if status != nil {
		query = base + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = base + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// NextQueuedJob returns the oldest queued job, or nil when the queue is
// empty.
func (s *Store) NextQueuedJob() (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pipeline_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRow(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next queued job")
	}

	return job, nil
}

// FindActiveJobByArtifact finds a queued or running job for an artifact
// digest. Returns nil when no active job exists; failed and completed jobs
// never count.
func (s *Store) FindActiveJobByArtifact(sha256 string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pipeline_jobs
		WHERE image_sha256 = ?
		  AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRow(query, sha256))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job by artifact")
	}

	return job, nil
}

// ListRunningJobs returns jobs stuck in the running state, oldest first.
// Used for crash recovery on startup.
func (s *Store) ListRunningJobs(limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pipeline_jobs
		WHERE status = 'running'
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CleanupOldJobs removes terminal jobs whose last update is older than the
// cutoff. Returns the number of rows removed.
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := s.db.Exec(`
		DELETE FROM pipeline_jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		attributes string
		attempts   string
		recordID   sql.NullInt64
		labelPath  sql.NullString
		lastError  sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.ImagePath,
		&job.ImageSHA256,
		&job.Stage,
		&job.Status,
		&attributes,
		&recordID,
		&labelPath,
		&lastError,
		&attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.RecordID = int(recordID.Int64)
	job.LabelPath = labelPath.String

	if attributes != "" && attributes != "{}" {
		var attrs analysis.Attributes
		if err := json.Unmarshal([]byte(attributes), &attrs); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal attributes for job %s", job.ID)
		}
		job.Attributes = &attrs
	}

	job.Attempts = make(map[Stage]int)
	if attempts != "" {
		if err := json.Unmarshal([]byte(attempts), &job.Attempts); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal attempts for job %s", job.ID)
		}
	}

	if lastError.Valid && lastError.String != "" {
		var stageErr StageError
		if err := json.Unmarshal([]byte(lastError.String), &stageErr); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal error for job %s", job.ID)
		}
		job.LastError = &stageErr
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

func marshalJobColumns(job *Job) (attributes, attempts string, lastError sql.NullString, err error) {
	attributes = "{}"
	if job.Attributes != nil {
		raw, merr := json.Marshal(job.Attributes)
		if merr != nil {
			return "", "", lastError, errors.Wrap(merr, "failed to marshal attributes")
		}
		attributes = string(raw)
	}

	attempts = "{}"
	if len(job.Attempts) > 0 {
		raw, merr := json.Marshal(job.Attempts)
		if merr != nil {
			return "", "", lastError, errors.Wrap(merr, "failed to marshal attempts")
		}
		attempts = string(raw)
	}

	if job.LastError != nil {
		raw, merr := json.Marshal(job.LastError)
		if merr != nil {
			return "", "", lastError, errors.Wrap(merr, "failed to marshal last error")
		}
		lastError = sql.NullString{String: string(raw), Valid: true}
	}

	return attributes, attempts, lastError, nil
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

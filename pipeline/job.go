// Package pipeline drives captured artifacts through analysis, record
// registration, and label generation as durable sqlite-backed jobs.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/capture"
	"github.com/labshot/labshot/errors"
)

// Stage identifies where a job sits in the ingestion sequence. Transitions
// only move forward; Advance rejects anything else.
type Stage string

const (
	StagePending     Stage = "pending"
	StageAnalyzing   Stage = "analyzing"
	StageAnalyzed    Stage = "analyzed"
	StageRegistering Stage = "registering"
	StageRegistered  Stage = "registered"
	StageLabeling    Stage = "labeling"
	StageCompleted   Stage = "completed"
)

var stageOrder = map[Stage]int{
	StagePending:     0,
	StageAnalyzing:   1,
	StageAnalyzed:    2,
	StageRegistering: 3,
	StageRegistered:  4,
	StageLabeling:    5,
	StageCompleted:   6,
}

// IsValidStage reports whether s is a known stage name.
func IsValidStage(s Stage) bool {
	_, ok := stageOrder[s]
	return ok
}

// Status is the scheduling state of a job, orthogonal to its stage.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageError records what killed a failed job and where.
type StageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   Stage  `json:"stage"`
}

// Job is one captured artifact moving through the pipeline. Persisted in
// pipeline_jobs; Attributes and Attempts are stored as JSON columns.
type Job struct {
	ID          string               `json:"id"`
	ImagePath   string               `json:"image_path"`
	ImageSHA256 string               `json:"image_sha256"`
	Stage       Stage                `json:"stage"`
	Status      Status               `json:"status"`
	Attributes  *analysis.Attributes `json:"attributes,omitempty"`
	RecordID    int                  `json:"record_id,omitempty"`
	LabelPath   string               `json:"label_path,omitempty"`
	LastError   *StageError          `json:"last_error,omitempty"`
	Attempts    map[Stage]int        `json:"attempts,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// NewJob creates a queued job for a captured artifact.
func NewJob(artifact *capture.Artifact) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.New().String(),
		ImagePath:   artifact.Path,
		ImageSHA256: artifact.SHA256,
		Stage:       StagePending,
		Status:      StatusQueued,
		Attempts:    make(map[Stage]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the job can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Advance moves the job to a later stage. Regressions, repeats, unknown
// stages, and any transition out of a terminal job are rejected.
func (j *Job) Advance(next Stage) error {
	if j.IsTerminal() {
		return errors.Newf("job %s is terminal (%s), cannot advance to %s", j.ID, j.Status, next)
	}
	to, ok := stageOrder[next]
	if !ok {
		return errors.Newf("unknown stage %q", next)
	}
	if to <= stageOrder[j.Stage] {
		return errors.Newf("cannot advance job %s from %s to %s", j.ID, j.Stage, next)
	}
	j.Stage = next
	j.UpdatedAt = time.Now()
	return nil
}

// Start marks the job as picked up by a worker.
func (j *Job) Start() {
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as finished. The stage is advanced to completed
// first so terminal jobs always read stage=completed, status=completed.
func (j *Job) Complete() {
	now := time.Now()
	j.Stage = StageCompleted
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed at its current stage.
func (j *Job) Fail(err error) {
	now := time.Now()
	j.Status = StatusFailed
	j.LastError = &StageError{
		Kind:    string(errors.KindOf(err)),
		Message: err.Error(),
		Stage:   j.Stage,
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// RecordAttempt bumps and returns the attempt counter for a stage.
func (j *Job) RecordAttempt(stage Stage) int {
	if j.Attempts == nil {
		j.Attempts = make(map[Stage]int)
	}
	j.Attempts[stage]++
	j.UpdatedAt = time.Now()
	return j.Attempts[stage]
}

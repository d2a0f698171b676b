package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/label"
	"github.com/labshot/labshot/record"
)

// Analyzer extracts attributes from a captured image.
type Analyzer interface {
	Analyze(ctx context.Context, imagePath string) (*analysis.Result, error)
}

// Registrar creates or updates the remote record for a job.
type Registrar interface {
	Register(ctx context.Context, job *Job) (int, error)
}

// Labeler renders the QR label for a registered record.
type Labeler interface {
	Generate(ctx context.Context, recordID int) (*label.Label, error)
}

// stageRetryDelay is the pause between stage retry attempts.
const stageRetryDelay = 2 * time.Second

// Runner executes the stage sequence for a single job: analyze the image,
// register the record, generate the label. Each transition is persisted
// before the next stage runs so a crash resumes from durable state.
type Runner struct {
	queue     *Queue
	store     *am.Store
	analyzer  Analyzer
	registrar Registrar
	labeler   Labeler
	logger    *zap.SugaredLogger

	// retrySleep is swappable in tests to avoid real delays.
	retrySleep func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a runner from its stage executors.
func NewRunner(queue *Queue, store *am.Store, analyzer Analyzer, registrar Registrar, labeler Labeler, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		queue:      queue,
		store:      store,
		analyzer:   analyzer,
		registrar:  registrar,
		labeler:    labeler,
		logger:     logger,
		retrySleep: sleepCtx,
	}
}

// Run drives the job from its current stage to completion. Stages the job
// already passed are skipped, so a recovered job resumes where it died.
// The caller is responsible for marking the job failed when an error is
// returned.
func (r *Runner) Run(ctx context.Context, job *Job) error {
	if stageOrder[job.Stage] < stageOrder[StageAnalyzed] {
		if err := r.analyzeStage(ctx, job); err != nil {
			return err
		}
	}
	if stageOrder[job.Stage] < stageOrder[StageRegistered] {
		if err := r.registerStage(ctx, job); err != nil {
			return err
		}
	}
	if stageOrder[job.Stage] < stageOrder[StageCompleted] {
		if err := r.labelStage(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) analyzeStage(ctx context.Context, job *Job) error {
	if err := r.enterStage(ctx, job, StageAnalyzing); err != nil {
		return err
	}

	var result *analysis.Result
	err := r.runWithRetry(ctx, job, StageAnalyzing, 1, func() error {
		var aerr error
		result, aerr = r.analyzer.Analyze(ctx, job.ImagePath)
		return aerr
	})
	if err != nil {
		return errors.Wrapf(err, "analysis failed for job %s", job.ID)
	}

	job.Attributes = result.Attributes
	if err := job.Advance(StageAnalyzed); err != nil {
		return err
	}

	r.logger.Infow("Image analyzed",
		"job_id", job.ID,
		"title", result.Attributes.Title,
		"model", result.Model)

	return r.queue.UpdateJob(job)
}

func (r *Runner) registerStage(ctx context.Context, job *Job) error {
	if err := r.enterStage(ctx, job, StageRegistering); err != nil {
		return err
	}

	cfg, _ := r.store.Snapshot()
	maxAttempts := cfg.Pipeline.RegisterMaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var recordID int
	err := r.runWithRetry(ctx, job, StageRegistering, maxAttempts, func() error {
		var rerr error
		recordID, rerr = r.registrar.Register(ctx, job)
		return rerr
	})
	if err != nil {
		return errors.Wrapf(err, "registration failed for job %s", job.ID)
	}

	job.RecordID = recordID
	if err := job.Advance(StageRegistered); err != nil {
		return err
	}

	r.logger.Infow("Record registered", "job_id", job.ID, "record_id", recordID)

	return r.queue.UpdateJob(job)
}

func (r *Runner) labelStage(ctx context.Context, job *Job) error {
	if err := r.enterStage(ctx, job, StageLabeling); err != nil {
		return err
	}

	var lbl *label.Label
	err := r.runWithRetry(ctx, job, StageLabeling, 1, func() error {
		var lerr error
		lbl, lerr = r.labeler.Generate(ctx, job.RecordID)
		return lerr
	})
	if err != nil {
		return errors.Wrapf(err, "label generation failed for job %s", job.ID)
	}

	job.LabelPath = lbl.FilePath

	r.logger.Infow("Label generated", "job_id", job.ID, "path", lbl.FilePath)

	return r.queue.UpdateJob(job)
}

// enterStage checks for cancellation, advances the job, and persists the
// transition before any stage work starts.
func (r *Runner) enterStage(ctx context.Context, job *Job, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Stage == stage {
		// Resumed after a crash mid-stage; re-run without a transition.
		return nil
	}
	if err := job.Advance(stage); err != nil {
		return err
	}
	return r.queue.UpdateJob(job)
}

// runWithRetry executes a stage function, retrying transient failures up to
// maxAttempts total attempts. Attempt counts persist with the job.
func (r *Runner) runWithRetry(ctx context.Context, job *Job, stage Stage, maxAttempts int, fn func() error) error {
	var lastErr error
	for {
		attempt := job.RecordAttempt(stage)

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) || attempt >= maxAttempts {
			return lastErr
		}

		r.logger.Warnw("Stage attempt failed, retrying",
			"job_id", job.ID,
			"stage", stage,
			"attempt", attempt,
			"error", lastErr)

		if err := r.retrySleep(ctx, stageRetryDelay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// recordRegistrar is the production Registrar backed by the record client
// and the idempotent create log.
type recordRegistrar struct {
	client    *record.Client
	createLog *record.CreateLog
	store     *am.Store
	logger    *zap.SugaredLogger
}

// NewRecordRegistrar builds a registrar that creates records idempotently
// keyed by artifact digest, refreshes fields on reuse, and attaches the
// source image to new records.
func NewRecordRegistrar(client *record.Client, createLog *record.CreateLog, store *am.Store, logger *zap.SugaredLogger) Registrar {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &recordRegistrar{client: client, createLog: createLog, store: store, logger: logger}
}

func (rr *recordRegistrar) Register(ctx context.Context, job *Job) (int, error) {
	if job.Attributes == nil {
		return 0, errors.Wrapf(errors.ErrInvalidRequest, "job %s has no attributes", job.ID)
	}

	cfg, _ := rr.store.Snapshot()
	draft := record.Draft{
		Title:    job.Attributes.Title,
		Body:     record.BodyFromAttributes(job.Attributes),
		Category: cfg.RecordSystem.DefaultCategory,
	}

	id, created, err := rr.client.CreateIdempotent(ctx, rr.createLog, job.ImageSHA256, draft)
	if err != nil {
		return 0, err
	}

	if created {
		if err := rr.client.UploadImage(ctx, id, job.ImagePath, "captured asset photo"); err != nil {
			// The record exists; a missing attachment is recoverable by hand.
			rr.logger.Warnw("Image upload failed", "record_id", id, "error", err)
		}
		return id, nil
	}

	// Create log hit: the record predates this job. Refresh its fields so a
	// re-captured artifact still lands the latest attributes.
	maxAttempts := cfg.Pipeline.RegisterMaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	err = rr.client.UpdateWithRefetch(ctx, id, maxAttempts, func(current *record.Record) map[string]any {
		return map[string]any{
			"title": draft.Title,
			"body":  draft.Body,
		}
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

package pipeline

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/bus"
	"github.com/labshot/labshot/db"
	"github.com/labshot/labshot/errors"
)

const (
	// MaxOrphanedJobsToRecover limits startup crash recovery so a damaged
	// database cannot flood the queue.
	MaxOrphanedJobsToRecover = 1000

	// stopTimeout bounds how long Stop waits for in-flight stages.
	stopTimeout = 30 * time.Second

	defaultPollInterval = 2 * time.Second
	cleanupSweepEvery   = time.Hour

	maxConsecutiveErrors = 5
	maxErrorBackoff      = 30 * time.Second
)

// WorkerPool runs pipeline jobs with a bounded number of workers.
type WorkerPool struct {
	queue   *Queue
	runner  *Runner
	store   *am.Store
	logger  *zap.SugaredLogger
	workers int

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewWorkerPool creates a worker pool over the given database. Jobs survive
// restarts; anything left running by a crash is re-queued on Start.
func NewWorkerPool(ctx context.Context, database *sql.DB, store *am.Store, events *bus.Bus, analyzer Analyzer, registrar Registrar, labeler Labeler, logger *zap.SugaredLogger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("pipeline")

	workerCtx, cancel := context.WithCancel(ctx)

	queue := NewQueue(database, events)
	cfg, _ := store.Snapshot()
	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}

	return &WorkerPool{
		queue:     queue,
		runner:    NewRunner(queue, store, analyzer, registrar, labeler, logger),
		store:     store,
		logger:    logger,
		workers:   workers,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
}

// Queue exposes the pool's queue for enqueuing and inspection.
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the configured worker count.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Start recovers orphaned jobs and launches the workers. Safe to call again
// after Stop.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.wg.Add(1)
	go wp.cleanupLoop()

	wp.logger.Infow("Worker pool started", "workers", wp.workers)
}

// Stop cancels the workers and waits for in-flight stages to persist.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped")
	case <-time.After(stopTimeout):
		wp.logger.Warnw("Worker pool stop timed out", "timeout", stopTimeout)
	}
}

// recoverOrphanedJobs re-queues jobs left running by an ungraceful shutdown.
// The stage column is durable, so a recovered job resumes from the stage it
// died in rather than starting over.
func (wp *WorkerPool) recoverOrphanedJobs() error {
	orphaned, err := wp.queue.store.ListRunningJobs(MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Warnw("Recovering jobs orphaned by previous shutdown", "count", len(orphaned))

	for _, job := range orphaned {
		job.Status = StatusQueued
		job.UpdatedAt = time.Now()
		if err := wp.queue.UpdateJob(job); err != nil {
			wp.logger.Warnw("Failed to re-queue orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		wp.logger.Infow("Re-queued orphaned job", "job_id", job.ID, "stage", job.Stage)
	}

	return nil
}

func (wp *WorkerPool) pollInterval() time.Duration {
	cfg, _ := wp.store.Snapshot()
	if cfg.Pipeline.PollIntervalSeconds > 0 {
		return time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second
	}
	return defaultPollInterval
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	interval := wp.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off",
						"worker_id", id,
						"backoff", backoff)
					time.Sleep(backoff)
					backoff = min(backoff*2, maxErrorBackoff)
				}
			} else {
				errorCount = 0
				backoff = time.Second
			}

			// Poll cadence follows config changes.
			if next := wp.pollInterval(); next != interval {
				ticker.Reset(next)
				interval = next
			}
		}
	}
}

// processNextJob claims one job and runs it to a terminal state. A nil
// error also covers the empty-queue case.
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil
	}

	if err := wp.runner.Run(wp.ctx, job); err != nil {
		select {
		case <-wp.ctx.Done():
			// Shutdown mid-job: put it back with its stage intact.
			job.Status = StatusQueued
			job.UpdatedAt = time.Now()
			if updateErr := wp.queue.UpdateJob(job); updateErr != nil {
				wp.logger.Errorw("Failed to re-queue cancelled job", "job_id", job.ID, "error", updateErr)
			}
			return nil
		default:
			return wp.queue.FailJob(job.ID, err)
		}
	}

	return wp.queue.CompleteJob(job.ID)
}

// cleanupLoop sweeps old terminal jobs on a slow cadence. Disabled when
// cleanup_after_days is zero.
func (wp *WorkerPool) cleanupLoop() {
	defer wp.wg.Done()

	ticker := time.NewTicker(cleanupSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			cfg, _ := wp.store.Snapshot()
			days := cfg.Pipeline.CleanupAfterDays
			if days <= 0 {
				continue
			}

			removed, err := wp.queue.Cleanup(time.Duration(days) * 24 * time.Hour)
			if err != nil {
				wp.logger.Warnw("Job cleanup sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				wp.logger.Infow("Removed old terminal jobs", "count", removed, "retention_days", days)
			}
		}
	}
}

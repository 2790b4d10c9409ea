package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"search-ingest/internal/dataset"
	"search-ingest/internal/ingest"
	"search-ingest/internal/metrics"
	"search-ingest/internal/models"
	"search-ingest/internal/queue"
)

// releaseTimeout bounds the lock release and status writes that happen after a
// run, when the run context may already be cancelled.
const releaseTimeout = 10 * time.Second

// Registry resolves dataset names.
type Registry interface {
	Get(name string) (dataset.Config, error)
}

// Locker is the per index/source run lock.
type Locker interface {
	AcquireLock(ctx context.Context, index, sourceID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, index, sourceID, owner string) error
	LockOwner(ctx context.Context, index, sourceID string) (string, error)
}

// RunStatus holds the latest state of each run.
type RunStatus interface {
	SetRun(ctx context.Context, run *models.Run) error
}

// RunHistory is the durable run log.
type RunHistory interface {
	InsertRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
}

// JobSource delivers jobs.
type JobSource interface {
	Consume() (<-chan queue.Delivery, error)
}

// Options tunes how jobs are run.
//
// IncludeSourcePrefix, when set, replaces the registry value for every
// dataset. A job's own IncludeSourcePrefix wins over both.
type Options struct {
	RunTimeout          time.Duration
	LockTTL             time.Duration
	IncludeSourcePrefix *bool
	Pipeline            []ingest.Option
	Logger              *slog.Logger
}

// Worker consumes ingest jobs and runs them one at a time.
type Worker struct {
	registry Registry
	index    ingest.Index
	locks    Locker
	status   RunStatus
	history  RunHistory
	jobs     JobSource
	opts     Options
	logger   *slog.Logger
}

// New constructs a Worker from injected dependencies.
func New(reg Registry, index ingest.Index, locks Locker, status RunStatus, history RunHistory, jobs JobSource, opts Options) *Worker {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 6 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.RunTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		registry: reg,
		index:    index,
		locks:    locks,
		status:   status,
		history:  history,
		jobs:     jobs,
		opts:     opts,
		logger:   logger.With("component", "worker"),
	}
}

// Run starts consuming messages and blocks until ctx is cancelled.
// A run in progress when ctx is cancelled is stopped at its next
// cancellation check and recorded as failed.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.jobs.Consume()
	if err != nil {
		return err
	}

	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("delivery channel closed")
				return nil
			}
			w.process(ctx, delivery)
		}
	}
}

// process runs one job and settles its message:
//   - infrastructure failure before the run started → Nack (requeue)
//   - run succeeded → Ack
//   - run failed or skipped → Discard; re-running is an operator decision
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	run, err := w.Execute(ctx, d.Job)
	if err != nil {
		w.logger.Error("job not started", "run_id", d.Job.RunID, "dataset", d.Job.Dataset, "error", err)
		d.Nack()
		return
	}

	if run.Status == models.StatusSucceeded {
		err = d.Ack()
	} else {
		err = d.Discard()
	}
	if err != nil {
		w.logger.Error("ack failed", "run_id", run.ID, "error", err)
	}
}

// ErrLocked marks a run skipped because another run holds the index/source lock.
var ErrLocked = errors.New("worker: another run holds the lock for this index and source")

// Execute runs job to completion and records it. The returned error is only for
// failures that happened before the run could start (lock or history backends);
// everything else is reported through the Run's status.
func (w *Worker) Execute(ctx context.Context, job *models.Job) (*models.Run, error) {
	run := &models.Run{
		ID:        job.RunID,
		Dataset:   job.Dataset,
		Status:    models.StatusRunning,
		Stage:     string(ingest.StageProvision),
		StartedAt: time.Now().UTC(),
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	log := w.logger.With("run_id", run.ID, "dataset", job.Dataset, "trigger", job.Trigger)

	cfg, err := w.registry.Get(job.Dataset)
	if err != nil {
		log.Error("dataset lookup failed", "error", err)
		return run, w.record(ctx, run, models.StatusFailed, err)
	}

	ds := cfg.Dataset()
	run.Index, run.SourceID, run.File = ds.Index, ds.SourceID, ds.File
	if job.File != "" {
		run.File = job.File
		file, err := cfg.ResolveFile(job.File)
		if err != nil {
			log.Error("file override rejected", "file", job.File, "error", err)
			return run, w.record(ctx, run, models.StatusFailed, err)
		}
		// A partial file must not reconcile away the rest of the source.
		ds.File, ds.SkipReconcile = file, true
		run.File = file
	}
	if job.SkipReconcile != nil {
		ds.SkipReconcile = *job.SkipReconcile
	}
	if w.opts.IncludeSourcePrefix != nil {
		ds.IncludeSourcePrefix = *w.opts.IncludeSourcePrefix
	}
	if job.IncludeSourcePrefix != nil {
		ds.IncludeSourcePrefix = *job.IncludeSourcePrefix
	}

	acquired, err := w.locks.AcquireLock(ctx, ds.Index, ds.SourceID, run.ID, w.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("worker: acquire lock: %w", err)
	}
	if !acquired {
		cause := ErrLocked
		if holder, err := w.locks.LockOwner(ctx, ds.Index, ds.SourceID); err == nil {
			cause = fmt.Errorf("%w (held by run %s)", ErrLocked, holder)
		}
		log.Warn("run skipped, index and source are locked", "index", ds.Index, "source_id", ds.SourceID, "error", cause)
		return run, w.record(ctx, run, models.StatusSkipped, cause)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := w.locks.ReleaseLock(rctx, ds.Index, ds.SourceID, run.ID); err != nil {
			log.Error("lock release failed", "error", err)
		}
	}()

	if err := w.history.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("worker: insert run: %w", err)
	}
	w.setStatus(ctx, log, run)

	pipeline, err := ingest.NewPipeline(w.index, w.pipelineOptions(ctx, log, run)...)
	if err != nil {
		w.finish(log, run, ingest.Summary{}, err)
		return run, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, w.opts.RunTimeout)
	defer cancel()

	log.Info("run started", "index", ds.Index, "source_id", ds.SourceID, "file", ds.File, "skip_reconcile", ds.SkipReconcile)
	sum, runErr := pipeline.Run(runCtx, ds)
	w.finish(log, run, sum, runErr)
	return run, nil
}

func (w *Worker) pipelineOptions(ctx context.Context, log *slog.Logger, run *models.Run) []ingest.Option {
	opts := append([]ingest.Option{ingest.WithLogger(log)}, w.opts.Pipeline...)
	return append(opts, ingest.WithStageHook(func(_ ingest.Dataset, stage ingest.Stage) {
		run.Stage = string(stage)
		w.setStatus(ctx, log, run)
	}))
}

// finish records the outcome of a run that held the lock.
func (w *Worker) finish(log *slog.Logger, run *models.Run, sum ingest.Summary, runErr error) {
	status := models.StatusSucceeded
	if runErr != nil {
		status = models.StatusFailed
		if stage := ingest.StageOf(runErr); stage != "" {
			run.Stage = string(stage)
		}
	}
	if data, err := json.Marshal(sum); err == nil {
		run.Summary = data
	}
	metrics.ObserveRun(run.Dataset, status, time.Since(run.StartedAt), sum.Deleted)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := w.complete(ctx, run, status, runErr); err != nil {
		log.Error("run history update failed", "error", err)
	}
	w.setStatus(ctx, log, run)

	if runErr != nil {
		log.Error("run failed", "stage", run.Stage, "error", runErr)
	} else {
		log.Info("run succeeded", "documents", sum.DocumentsQueued, "deleted", sum.Deleted)
	}
}

// record stores a run that never started.
func (w *Worker) record(ctx context.Context, run *models.Run, status string, cause error) error {
	if err := w.history.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("worker: insert run: %w", err)
	}
	if err := w.complete(ctx, run, status, cause); err != nil {
		return fmt.Errorf("worker: finish run: %w", err)
	}
	metrics.ObserveRun(run.Dataset, status, 0, 0)
	w.setStatus(ctx, w.logger, run)
	return nil
}

func (w *Worker) complete(ctx context.Context, run *models.Run, status string, cause error) error {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	return w.history.FinishRun(ctx, run)
}

func (w *Worker) setStatus(ctx context.Context, log *slog.Logger, run *models.Run) {
	if err := w.status.SetRun(ctx, run); err != nil {
		// Non-fatal: Postgres still has the run.
		log.Warn("run status cache write failed", "error", err)
	}
}

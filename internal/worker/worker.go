// Package worker drains the durable job queue: observation extraction and
// retries of failed similarity indexing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/orchmem/internal/storage"
)

// Job types.
const (
	JobExtractObservations = "extract_observations"
	JobIndexRecord         = "index_record"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// staleAfter is how long a job may stay running before a restarted worker
// takes it back.
const staleAfter = 10 * time.Minute

// Processor does the work behind each job type.
type Processor interface {
	ExtractObservations(ctx context.Context, recordID string) ([]storage.Observation, error)
	IndexRecord(ctx context.Context, recordID string) error
}

// Payload is the body of every job: the record it is about.
type Payload struct {
	RecordID string `json:"record_id"`
}

// Enqueue adds a job of jobType for recordID.
func Enqueue(ctx context.Context, store JobStore, jobType, recordID string) error {
	payload, err := json.Marshal(Payload{RecordID: recordID})
	if err != nil {
		return err
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueueing %s job for %s: %w", jobType, recordID, err)
	}
	return nil
}

// Worker processes extract_observations and index_record jobs.
type Worker struct {
	store     JobStore
	processor Processor
	poll      time.Duration
	logger    *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func New(store JobStore, p Processor, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     store,
		processor: p,
		poll:      pollInterval,
		logger:    logger,
	}
}

// Run polls for jobs until ctx is cancelled. Jobs left running by a previous
// process are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueStaleJobs(ctx, staleAfter); err != nil {
		w.logger.Warn("requeueing stale jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued stale jobs", "count", n)
	}
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobExtractObservations, JobIndexRecord})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.RecordID == "" {
		return errors.New("payload has no record_id")
	}

	var err error
	switch job.Type {
	case JobExtractObservations:
		var obs []storage.Observation
		obs, err = w.processor.ExtractObservations(ctx, payload.RecordID)
		if err == nil {
			w.logger.Debug("observations extracted", "record_id", payload.RecordID, "count", len(obs))
		}
	case JobIndexRecord:
		err = w.processor.IndexRecord(ctx, payload.RecordID)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Pruned before the job ran.
		w.logger.Info("dropping job for missing record", "job_id", job.ID, "record_id", payload.RecordID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", job.Type, payload.RecordID, err)
	}
	return nil
}

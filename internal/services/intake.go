// Package services holds the intake gateway and the read-only status and
// result projections. Both sit between the HTTP layer and the job store
// and carry no HTTP concerns of their own.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"petavatar/internal/config"
	"petavatar/internal/db"
	"petavatar/internal/jobs"
	"petavatar/internal/store"
	"petavatar/internal/uploads"
)

// JobStore is the subset of the store the services depend on.
type JobStore interface {
	CreateJob(ctx context.Context, id uuid.UUID, inputRef string, expiresAt time.Time) (db.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (db.Job, error)
	TransitionState(ctx context.Context, id uuid.UUID, from, to jobs.State) error
}

// Publisher is the queue surface the intake gateway needs.
type Publisher interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Intake validates a submitted object reference, creates the job record,
// and hands it to the work queue.
type Intake struct {
	cfg    *config.Config
	store  JobStore
	queue  Publisher
	broker uploads.Broker
	logger *slog.Logger
}

func NewIntake(cfg *config.Config, store JobStore, queue Publisher, broker uploads.Broker, logger *slog.Logger) *Intake {
	return &Intake{cfg: cfg, store: store, queue: queue, broker: broker, logger: logger}
}

// Submit runs the full intake sequence for one uploaded image. The
// record is moved to queued before the publish so a message can never be
// in flight for a job still in created; a failed publish rolls the state
// back and surfaces as a retryable EnqueueError.
//
// Submit is idempotent per object reference: resubmitting a ref whose job
// already exists returns the existing job id, and a retry after an
// EnqueueError resumes from the created row it rolled back to.
func (in *Intake) Submit(ctx context.Context, inputRef string) (uuid.UUID, error) {
	_, key, err := uploads.ParseRef(inputRef)
	if err != nil {
		return uuid.Nil, jobs.Error{Kind: jobs.KindValidation, Message: err.Error()}
	}

	info, err := in.broker.StatObject(ctx, inputRef)
	if err != nil {
		return uuid.Nil, jobs.Error{Kind: jobs.KindValidation, Message: fmt.Sprintf("object not reachable: %v", err)}
	}
	if info.ContentType != "" && !uploads.AllowedImageTypes[info.ContentType] {
		return uuid.Nil, jobs.Error{Kind: jobs.KindValidation,
			Message: fmt.Sprintf("unsupported content type %q (expected JPEG, PNG, or HEIC)", info.ContentType)}
	}
	maxBytes := in.cfg.Storage.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	if info.Size > maxBytes {
		return uuid.Nil, jobs.Error{Kind: jobs.KindValidation,
			Message: fmt.Sprintf("object is %d bytes, above the %d byte limit", info.Size, maxBytes)}
	}

	jobID := jobIDForKey(key)

	windowHours := in.cfg.Retention.WindowHours
	if windowHours <= 0 {
		windowHours = 24
	}
	expiresAt := time.Now().UTC().Add(time.Duration(windowHours) * time.Hour)

	job, err := in.store.CreateJob(ctx, jobID, inputRef, expiresAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}
	if jobs.State(job.State) != jobs.StateCreated {
		// The job already went through intake; a duplicate submission is
		// a no-op beyond returning the id.
		if in.logger != nil {
			in.logger.Info("job_resubmitted", "job_id", jobID.String(), "state", job.State)
		}
		return jobID, nil
	}

	if err := in.store.TransitionState(ctx, jobID, jobs.StateCreated, jobs.StateQueued); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// A concurrent submission won the transition; the job is on
			// its way regardless.
			return jobID, nil
		}
		return uuid.Nil, fmt.Errorf("queue job: %w", err)
	}

	if err := in.queue.Enqueue(ctx, jobID); err != nil {
		// Compensating rollback: the record must not claim a message is
		// in flight when the publish never happened.
		if rbErr := in.store.TransitionState(ctx, jobID, jobs.StateQueued, jobs.StateCreated); rbErr != nil && in.logger != nil {
			in.logger.Error("enqueue_rollback_failed", "job_id", jobID.String(), "error", rbErr)
		}
		return uuid.Nil, jobs.Error{Kind: jobs.KindEnqueue, Message: "failed to enqueue job, please retry"}
	}

	if in.logger != nil {
		in.logger.Info("job_submitted", "job_id", jobID.String(), "input_ref", inputRef)
	}
	return jobID, nil
}

// jobIDForKey reuses the job id an upload slot was bound to when the
// object key ends in one, so the presigned-url and process flows line
// up. Arbitrary keys get a fresh id.
func jobIDForKey(key string) uuid.UUID {
	if id, err := uuid.Parse(path.Base(key)); err == nil {
		return id
	}
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

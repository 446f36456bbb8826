// Package worker drives queued jobs from intake to a terminal state.
//
// Each consumer loop handles one message to completion, including the
// blocking agent call, before taking the next. All job mutation goes
// through conditional writes on the expected prior state, so two workers
// racing on a redelivered message serialize cleanly: one advances the
// job, the other observes a state conflict and abandons without side
// effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"petavatar/internal/agent"
	"petavatar/internal/config"
	"petavatar/internal/db"
	"petavatar/internal/jobs"
	"petavatar/internal/metrics"
	"petavatar/internal/queue"
	"petavatar/internal/store"
)

// Coarse progress milestones written while processing. Completion sets
// progress to 100 in the same write as the terminal transition.
const (
	progressAnalyzing  = 25
	progressGenerating = 60
	progressPersisting = 90
)

// JobStore is the subset of the store the worker mutates jobs through.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (db.Job, error)
	BeginAttempt(ctx context.Context, id uuid.UUID) (db.Job, error)
	TransitionState(ctx context.Context, id uuid.UUID, from, to jobs.State) error
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	CompleteJob(ctx context.Context, id uuid.UUID, result any) error
	FailJob(ctx context.Context, id uuid.UUID, jobErr jobs.Error) error
	DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkQueue is the queue surface the worker consumes from and republishes to.
type WorkQueue interface {
	Receive(ctx context.Context, consumer string) (*queue.Message, error)
	Ack(ctx context.Context, streamID string) error
	EnqueueAfter(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

type Worker struct {
	cfg    *config.Config
	store  JobStore
	queue  WorkQueue
	agent  agent.Generator
	logger *slog.Logger
}

func New(cfg *config.Config, st JobStore, q WorkQueue, gen agent.Generator, logger *slog.Logger) *Worker {
	return &Worker{cfg: cfg, store: st, queue: q, agent: gen, logger: logger}
}

// Start launches the consumer loops and, when retention is enabled, the
// expiry sweeper. It returns immediately; the loops exit when the
// context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	consumers := w.cfg.Worker.Consumers
	if consumers <= 0 {
		consumers = 2
	}

	for i := 0; i < consumers; i++ {
		name := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		go w.runConsumer(ctx, name)
	}

	if w.cfg.Retention.Enabled {
		go w.runRetention(ctx)
	}
}

func (w *Worker) runConsumer(ctx context.Context, consumer string) {
	w.logger.Info("consumer_started", "consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Receive(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("receive_failed", "consumer", consumer, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		if ack := w.processMessage(ctx, consumer, msg.JobID); ack {
			if err := w.queue.Ack(ctx, msg.StreamID); err != nil {
				w.logger.Error("ack_failed", "consumer", consumer,
					"stream_id", msg.StreamID, "error", err)
			}
		}
	}
}

// processMessage resolves one delivery of a job message. The return
// value says whether to acknowledge: true for handled (including
// discards and terminal outcomes), false to abandon the delivery and let
// the visibility mechanism redeliver it. No error ever escapes here.
func (w *Worker) processMessage(ctx context.Context, consumer string, jobID uuid.UUID) bool {
	log := w.logger.With("consumer", consumer, "job_id", jobID.String())

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown or expired: treat as already terminal.
			log.Info("discarding_message", "reason", "job absent or expired")
			return true
		}
		log.Error("job_read_failed", "error", err)
		return false
	}

	state := jobs.State(job.State)
	switch {
	case state.Terminal():
		// Redelivery after completion is a no-op.
		log.Info("discarding_message", "reason", "job already terminal", "state", job.State)
		return true
	case state == jobs.StateCreated:
		// A message for a created job means the intake rollback won the
		// race against this delivery; the submission already failed.
		log.Warn("discarding_message", "reason", "job never fully queued")
		return true
	case state == jobs.StateProcessing:
		// This delivery can only exist because the previous holder's
		// lease expired, so the owning worker is dead. Reset the job to
		// queued and take over below; a conflict means someone else
		// already did.
		if err := w.store.TransitionState(ctx, jobID, jobs.StateProcessing, jobs.StateQueued); err != nil {
			log.Info("abandoning_message", "reason", "takeover lost", "error", err)
			return false
		}
		log.Warn("took_over_stalled_job", "previous_attempts", job.AttemptCount)
	}

	job, err = w.store.BeginAttempt(ctx, jobID)
	if err != nil {
		// Another worker holds the job; redelivery timing will sort out
		// whether this message is still needed.
		log.Info("abandoning_message", "reason", "attempt not acquired", "error", err)
		return false
	}
	attempt := int(job.AttemptCount)
	metrics.RecordJobAttempt()
	log.Info("attempt_started", "attempt", attempt, "input_ref", job.InputRef)

	if err := w.store.SetProgress(ctx, jobID, progressAnalyzing); err != nil {
		log.Info("abandoning_message", "reason", "lease lost at progress write", "error", err)
		return false
	}

	gen, agentErr := w.agent.AnalyzeAndGenerate(ctx, job.InputRef)
	if agentErr != nil {
		return w.resolveFailure(ctx, log, jobID, attempt, agentErr)
	}

	if err := w.store.SetProgress(ctx, jobID, progressGenerating); err != nil {
		log.Info("abandoning_message", "reason", "lease lost at progress write", "error", err)
		return false
	}
	if err := w.store.SetProgress(ctx, jobID, progressPersisting); err != nil {
		log.Info("abandoning_message", "reason", "lease lost at progress write", "error", err)
		return false
	}

	if err := w.store.CompleteJob(ctx, jobID, gen); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			log.Info("abandoning_message", "reason", "lease lost at completion", "error", err)
			return false
		}
		// Storage hiccup while persisting: leave the message unacked so
		// the attempt is replayed after the visibility window.
		log.Error("complete_write_failed", "error", err)
		return false
	}

	metrics.RecordJobOutcome(string(jobs.StateCompleted))
	log.Info("job_completed", "attempt", attempt, "artifact_ref", gen.ArtifactRef)
	return true
}

// resolveFailure classifies an agent error and either schedules a retry
// or fails the job. Again the bool is the ack decision.
func (w *Worker) resolveFailure(ctx context.Context, log *slog.Logger, jobID uuid.UUID, attempt int, agentErr error) bool {
	jerr := classify(agentErr)

	maxAttempts := w.cfg.Worker.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if jerr.Retryable() && attempt < maxAttempts {
		if err := w.store.TransitionState(ctx, jobID, jobs.StateProcessing, jobs.StateQueued); err != nil {
			log.Info("abandoning_message", "reason", "lease lost before retry", "error", err)
			return false
		}

		base := time.Duration(w.cfg.Worker.RetryBackoffBaseMs) * time.Millisecond
		if base <= 0 {
			base = 5 * time.Second
		}
		delay := jobs.RetryDelay(base, attempt)

		if err := w.queue.EnqueueAfter(ctx, jobID, delay); err != nil {
			// The job is queued but the delayed message failed to park.
			// Leave this delivery unacked: its redelivery will find the
			// queued job and run the next attempt.
			log.Error("retry_publish_failed", "error", err)
			return false
		}

		metrics.RecordRetryScheduled()
		log.Warn("attempt_failed_retrying", "attempt", attempt, "delay_ms", delay.Milliseconds(),
			"error", agentErr)
		return true
	}

	if err := w.store.FailJob(ctx, jobID, jerr); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			log.Info("abandoning_message", "reason", "lease lost at failure", "error", err)
			return false
		}
		log.Error("fail_write_failed", "error", err)
		return false
	}

	metrics.RecordJobOutcome(string(jobs.StateFailed))
	log.Warn("job_failed", "attempt", attempt, "kind", string(jerr.Kind), "error", agentErr)
	return true
}

// classify maps an agent error onto the public failure taxonomy. The
// stored message is the error text, not a stack trace.
func classify(err error) jobs.Error {
	var contentErr *agent.ContentError
	if errors.As(err, &contentErr) {
		return jobs.Error{Kind: jobs.KindPermanentProcessing, Message: contentErr.Detail}
	}
	return jobs.Error{Kind: jobs.KindTransientProcessing, Message: err.Error()}
}

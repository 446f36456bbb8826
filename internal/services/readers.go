package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"petavatar/internal/config"
	"petavatar/internal/jobs"
	"petavatar/internal/model"
	"petavatar/internal/store"
	"petavatar/internal/uploads"
)

// StatusView is the public projection of a job's progress.
type StatusView struct {
	JobID    uuid.UUID
	State    jobs.State
	Progress int
}

// ResultView is the public projection of a terminal job. Exactly one of
// Generation or Error is set. ArtifactURL is signed fresh on every read.
type ResultView struct {
	JobID       uuid.UUID
	State       jobs.State
	ArtifactURL string
	Generation  *model.Generation
	Error       *jobs.Error
}

// Readers exposes the read-only projections of job records. It never
// mutates anything.
type Readers struct {
	cfg    *config.Config
	store  JobStore
	broker uploads.Broker
}

func NewReaders(cfg *config.Config, st JobStore, broker uploads.Broker) *Readers {
	return &Readers{cfg: cfg, store: st, broker: broker}
}

// GetStatus returns the current state and progress for a job, or a
// NotFound error for unknown and expired ids alike.
func (r *Readers) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, jobs.Error{Kind: jobs.KindNotFound, Message: "job not found"}
		}
		return nil, err
	}
	return &StatusView{
		JobID:    job.ID,
		State:    jobs.State(job.State),
		Progress: int(job.Progress),
	}, nil
}

// GetResult returns the terminal outcome of a job. Non-terminal jobs
// yield a NotReady error so callers can keep polling.
func (r *Readers) GetResult(ctx context.Context, id uuid.UUID) (*ResultView, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, jobs.Error{Kind: jobs.KindNotFound, Message: "job not found"}
		}
		return nil, err
	}

	state := jobs.State(job.State)
	if !state.Terminal() {
		return nil, jobs.Error{Kind: jobs.KindNotReady, Message: "job has not finished processing"}
	}

	view := &ResultView{JobID: job.ID, State: state}

	if state == jobs.StateFailed {
		var jerr jobs.Error
		if job.Error.Valid {
			if err := json.Unmarshal(job.Error.RawMessage, &jerr); err != nil {
				jerr = jobs.Error{Kind: jobs.KindPermanentProcessing, Message: "processing failed"}
			}
		} else {
			jerr = jobs.Error{Kind: jobs.KindPermanentProcessing, Message: "processing failed"}
		}
		view.Error = &jerr
		return view, nil
	}

	var gen model.Generation
	if !job.Result.Valid {
		return nil, errors.New("completed job has no result payload")
	}
	if err := json.Unmarshal(job.Result.RawMessage, &gen); err != nil {
		return nil, err
	}
	view.Generation = &gen

	ttl := time.Duration(r.cfg.Storage.DownloadExpirySeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	signed, err := r.broker.SignDownload(ctx, gen.ArtifactRef, ttl)
	if err != nil {
		return nil, err
	}
	view.ArtifactURL = signed

	return view, nil
}

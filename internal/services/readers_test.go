package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"petavatar/internal/db"
	"petavatar/internal/jobs"
	"petavatar/internal/model"
)

func seedJob(st *memStore, state jobs.State, mutate func(*db.Job)) uuid.UUID {
	id := uuid.New()
	j := &db.Job{
		ID:        id,
		State:     string(state),
		InputRef:  "s3://petavatar/uploads/" + id.String(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if mutate != nil {
		mutate(j)
	}
	st.mu.Lock()
	st.jobs[id] = j
	st.mu.Unlock()
	return id
}

func TestGetStatus(t *testing.T) {
	st := newMemStore()
	readers := NewReaders(testConfig(), st, &memBroker{})

	id := seedJob(st, jobs.StateProcessing, func(j *db.Job) { j.Progress = 60 })

	view, err := readers.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.State != jobs.StateProcessing || view.Progress != 60 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	readers := NewReaders(testConfig(), newMemStore(), &memBroker{})

	_, err := readers.GetStatus(context.Background(), uuid.New())
	var jerr jobs.Error
	if !errors.As(err, &jerr) || jerr.Kind != jobs.KindNotFound {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGetStatusExpiredJob(t *testing.T) {
	st := newMemStore()
	readers := NewReaders(testConfig(), st, &memBroker{})

	id := seedJob(st, jobs.StateCompleted, func(j *db.Job) {
		j.ExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err := readers.GetStatus(context.Background(), id)
	var jerr jobs.Error
	if !errors.As(err, &jerr) || jerr.Kind != jobs.KindNotFound {
		t.Fatalf("expired job must read as not found, got %v", err)
	}
}

func TestGetResultNotReady(t *testing.T) {
	st := newMemStore()
	readers := NewReaders(testConfig(), st, &memBroker{})

	for _, state := range []jobs.State{jobs.StateCreated, jobs.StateQueued, jobs.StateProcessing} {
		id := seedJob(st, state, nil)
		_, err := readers.GetResult(context.Background(), id)
		var jerr jobs.Error
		if !errors.As(err, &jerr) || jerr.Kind != jobs.KindNotReady {
			t.Fatalf("state %s: expected NotReadyError, got %v", state, err)
		}
	}
}

func TestGetResultCompleted(t *testing.T) {
	st := newMemStore()
	broker := &memBroker{signed: "https://store.example/avatars/out.png?X-Amz-Signature=abc"}
	readers := NewReaders(testConfig(), st, broker)

	gen := model.Generation{
		ArtifactRef: "s3://petavatar/avatars/out.png",
		Identity: model.Identity{
			HumanName: "Morgan Whiskers",
			JobTitle:  "Chief Nap Officer",
		},
		PetAnalysis: model.PetAnalysis{Species: "cat"},
	}
	payload, _ := json.Marshal(gen)

	id := seedJob(st, jobs.StateCompleted, func(j *db.Job) {
		j.Progress = 100
		j.Result = pqtype.NullRawMessage{RawMessage: payload, Valid: true}
	})

	view, err := readers.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if view.Generation == nil || view.Generation.Identity.HumanName != "Morgan Whiskers" {
		t.Fatalf("generation not decoded: %+v", view.Generation)
	}
	if view.ArtifactURL != broker.signed {
		t.Fatalf("expected freshly signed artifact url, got %q", view.ArtifactURL)
	}
	if view.Error != nil {
		t.Fatalf("completed result must not carry an error")
	}
}

func TestGetResultFailed(t *testing.T) {
	st := newMemStore()
	readers := NewReaders(testConfig(), st, &memBroker{})

	stored := jobs.Error{Kind: jobs.KindPermanentProcessing, Message: "not an image of a pet"}
	payload, _ := json.Marshal(stored)

	id := seedJob(st, jobs.StateFailed, func(j *db.Job) {
		j.Error = pqtype.NullRawMessage{RawMessage: payload, Valid: true}
	})

	view, err := readers.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if view.Generation != nil || view.ArtifactURL != "" {
		t.Fatalf("failed result must not carry a generation")
	}
	if view.Error == nil || view.Error.Kind != jobs.KindPermanentProcessing {
		t.Fatalf("expected stored failure, got %+v", view.Error)
	}
	if view.Error.Message != "not an image of a pet" {
		t.Fatalf("unexpected message %q", view.Error.Message)
	}
}

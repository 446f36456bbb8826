package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"petavatar/internal/db"
	"petavatar/internal/jobs"
)

// ErrStateConflict signals that a conditional state write found the row
// in a different state than expected: another worker already advanced
// the job, and the caller must abandon its attempt without side effects.
var ErrStateConflict = errors.New("job state conflict")

// ErrNotFound signals that no live job row exists for the given id.
var ErrNotFound = errors.New("job not found")

// Store wraps access to the database.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// hashAPIKey hashes a raw API key string using SHA-256 and returns a hex string.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// withQueries constructs a Queries wrapper on the shared *sql.DB and
// executes the callback.
func (s *Store) withQueries(ctx context.Context, fn func(ctx context.Context, q *db.Queries) error) error {
	q := db.New(s.DB)
	return fn(ctx, q)
}

// CreateJob inserts a new job row in the created state. When a row
// already exists for the id, the existing row is returned instead so the
// intake gateway can resume a submission that failed after record
// creation (or short-circuit a duplicate one).
func (s *Store) CreateJob(ctx context.Context, id uuid.UUID, inputRef string, expiresAt time.Time) (db.Job, error) {
	var job db.Job
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		job, err = q.InsertJob(ctx, db.InsertJobParams{
			ID:        id,
			State:     string(jobs.StateCreated),
			InputRef:  inputRef,
			ExpiresAt: expiresAt,
		})
		if errors.Is(err, sql.ErrNoRows) {
			job, err = q.GetJobByID(ctx, id)
		}
		return err
	})
	return job, err
}

// GetJob fetches a job row by id. Expired rows are reported as
// ErrNotFound even if they have not been physically swept yet.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (db.Job, error) {
	var job db.Job
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		job, err = q.GetJobByID(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Job{}, ErrNotFound
		}
		return db.Job{}, err
	}
	if !job.ExpiresAt.IsZero() && !job.ExpiresAt.After(time.Now().UTC()) {
		return db.Job{}, ErrNotFound
	}
	return job, nil
}

// TransitionState applies a conditional state change and returns
// ErrStateConflict when the row was not in the expected prior state.
func (s *Store) TransitionState(ctx context.Context, id uuid.UUID, from, to jobs.State) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		n, err := q.TransitionJobState(ctx, db.TransitionJobStateParams{
			ID:        id,
			FromState: string(from),
			ToState:   string(to),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStateConflict
		}
		return nil
	})
}

// BeginAttempt moves a queued job to processing, incrementing its
// attempt counter in the same conditional write, and returns the
// updated row.
func (s *Store) BeginAttempt(ctx context.Context, id uuid.UUID) (db.Job, error) {
	var job db.Job
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		job, err = q.BeginJobAttempt(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStateConflict
		}
		return err
	})
	return job, err
}

// SetProgress records a progress milestone for a processing job. A
// conflict (job no longer processing) is returned as ErrStateConflict so
// a stale worker notices it has lost the lease.
func (s *Store) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		n, err := q.SetJobProgress(ctx, db.SetJobProgressParams{ID: id, Progress: int32(progress)})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStateConflict
		}
		return nil
	})
}

// CompleteJob persists the result and moves the job to its terminal
// completed state in one conditional write.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		n, err := q.CompleteJob(ctx, db.CompleteJobParams{
			ID:     id,
			Result: pqtype.NullRawMessage{RawMessage: payload, Valid: true},
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStateConflict
		}
		return nil
	})
}

// FailJob persists the error detail and moves the job to its terminal
// failed state in one conditional write.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, jobErr jobs.Error) error {
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return err
	}
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		n, err := q.FailJob(ctx, db.FailJobParams{
			ID:    id,
			Error: pqtype.NullRawMessage{RawMessage: payload, Valid: true},
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStateConflict
		}
		return nil
	})
}

// DeleteExpiredJobs removes job rows whose expiry has passed.
func (s *Store) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		deleted, err = q.DeleteExpiredJobs(ctx, cutoff)
		return err
	})
	return deleted, err
}

// GetAPIKeyByRawKey looks up an API key by its raw value.
func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (db.ApiKey, error) {
	hash := hashAPIKey(rawKey)
	var key db.ApiKey
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		key, err = q.GetAPIKeyByHash(ctx, hash)
		return err
	})
	return key, err
}

// EnsureAdminAPIKey ensures that there is an admin API key for the given
// raw key and label. If it already exists, it is returned; otherwise, it
// is created.
func (s *Store) EnsureAdminAPIKey(ctx context.Context, rawKey, label string) (db.ApiKey, error) {
	hash := hashAPIKey(rawKey)
	var out db.ApiKey

	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		key, err := q.GetAPIKeyByHash(ctx, hash)
		if err == nil {
			out = key
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		key, err = q.InsertAPIKey(ctx, db.InsertAPIKeyParams{
			ID:                 uuid.New(),
			KeyHash:            hash,
			Label:              label,
			IsAdmin:            true,
			RateLimitPerMinute: sql.NullInt32{},
		})
		if err != nil {
			return err
		}
		out = key
		return nil
	})

	return out, err
}

// CreateRandomAPIKey creates a new random API key (with pav_ prefix).
// It returns the raw key plus the stored record.
func (s *Store) CreateRandomAPIKey(ctx context.Context, label string, isAdmin bool, rateLimitPerMinute *int) (string, db.ApiKey, error) {
	raw := "pav_" + uuid.New().String()
	hash := hashAPIKey(raw)
	var out db.ApiKey

	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var rl sql.NullInt32
		if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
			rl = sql.NullInt32{Int32: int32(*rateLimitPerMinute), Valid: true}
		}

		key, err := q.InsertAPIKey(ctx, db.InsertAPIKeyParams{
			ID:                 uuid.New(),
			KeyHash:            hash,
			Label:              label,
			IsAdmin:            isAdmin,
			RateLimitPerMinute: rl,
		})
		if err != nil {
			return err
		}
		out = key
		return nil
	})

	return raw, out, err
}

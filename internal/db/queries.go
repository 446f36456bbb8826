package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so queries can run inside
// or outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries bundles hand-written SQL against the petavatar schema.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const jobColumns = `id, state, input_ref, attempt_count, progress, result, error, created_at, updated_at, expires_at`

func scanJob(row *sql.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.State, &j.InputRef, &j.AttemptCount, &j.Progress,
		&j.Result, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.ExpiresAt,
	)
	return j, err
}

type InsertJobParams struct {
	ID        uuid.UUID
	State     string
	InputRef  string
	ExpiresAt time.Time
}

// InsertJob creates a fresh job row with zero attempts and zero progress.
// An existing row for the same id is left untouched and the conflict is
// reported as sql.ErrNoRows.
func (q *Queries) InsertJob(ctx context.Context, arg InsertJobParams) (Job, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, state, input_ref, attempt_count, progress, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, 0, 0, now(), now(), $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+jobColumns,
		arg.ID, arg.State, arg.InputRef, arg.ExpiresAt,
	)
	return scanJob(row)
}

func (q *Queries) GetJobByID(ctx context.Context, id uuid.UUID) (Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

type TransitionJobStateParams struct {
	ID        uuid.UUID
	FromState string
	ToState   string
}

// TransitionJobState is the conditional write every state change goes
// through: it succeeds only if the row is still in FromState. Returns
// the number of rows updated (0 or 1).
func (q *Queries) TransitionJobState(ctx context.Context, arg TransitionJobStateParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`,
		arg.ID, arg.FromState, arg.ToState,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BeginJobAttempt atomically moves a queued job to processing and bumps
// its attempt counter, returning the updated row. sql.ErrNoRows means
// another worker won the race (or the job is no longer queued).
func (q *Queries) BeginJobAttempt(ctx context.Context, id uuid.UUID) (Job, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET state = 'processing', attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1 AND state = 'queued'
		RETURNING `+jobColumns,
		id,
	)
	return scanJob(row)
}

type SetJobProgressParams struct {
	ID       uuid.UUID
	Progress int32
}

// SetJobProgress records a coarse progress milestone. Scoped to the
// processing state and clamped monotonic so a stale writer can never
// move progress backward.
func (q *Queries) SetJobProgress(ctx context.Context, arg SetJobProgressParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = now()
		WHERE id = $1 AND state = 'processing'`,
		arg.ID, arg.Progress,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type CompleteJobParams struct {
	ID     uuid.UUID
	Result pqtype.NullRawMessage
}

// CompleteJob finalizes a processing job with its result payload.
func (q *Queries) CompleteJob(ctx context.Context, arg CompleteJobParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'completed', progress = 100, result = $2, updated_at = now()
		WHERE id = $1 AND state = 'processing'`,
		arg.ID, arg.Result,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type FailJobParams struct {
	ID    uuid.UUID
	Error pqtype.NullRawMessage
}

// FailJob finalizes a processing job with its error detail.
func (q *Queries) FailJob(ctx context.Context, arg FailJobParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'failed', error = $2, updated_at = now()
		WHERE id = $1 AND state = 'processing'`,
		arg.ID, arg.Error,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredJobs physically removes rows whose expiry has passed.
// Readers already treat such rows as not found, so timing is not
// correctness-critical.
func (q *Queries) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) GetAPIKeyByHash(ctx context.Context, keyHash string) (ApiKey, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, key_hash, label, is_admin, rate_limit_per_minute, created_at
		FROM api_keys WHERE key_hash = $1`,
		keyHash,
	)
	var k ApiKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.Label, &k.IsAdmin, &k.RateLimitPerMinute, &k.CreatedAt)
	return k, err
}

type InsertAPIKeyParams struct {
	ID                 uuid.UUID
	KeyHash            string
	Label              string
	IsAdmin            bool
	RateLimitPerMinute sql.NullInt32
}

func (q *Queries) InsertAPIKey(ctx context.Context, arg InsertAPIKeyParams) (ApiKey, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, key_hash, label, is_admin, rate_limit_per_minute, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, key_hash, label, is_admin, rate_limit_per_minute, created_at`,
		arg.ID, arg.KeyHash, arg.Label, arg.IsAdmin, arg.RateLimitPerMinute,
	)
	var k ApiKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.Label, &k.IsAdmin, &k.RateLimitPerMinute, &k.CreatedAt)
	return k, err
}

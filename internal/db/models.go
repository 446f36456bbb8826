package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Job mirrors one row of the jobs table. Result and Error are JSONB and
// mutually exclusive: result is only set on completed jobs, error only
// on failed ones.
type Job struct {
	ID           uuid.UUID
	State        string
	InputRef     string
	AttemptCount int32
	Progress     int32
	Result       pqtype.NullRawMessage
	Error        pqtype.NullRawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// ApiKey mirrors one row of the api_keys table. Only the SHA-256 hash of
// a key is stored.
type ApiKey struct {
	ID                 uuid.UUID
	KeyHash            string
	Label              string
	IsAdmin            bool
	RateLimitPerMinute sql.NullInt32
	CreatedAt          time.Time
}

package jobs

import "fmt"

// ErrorKind is the stable failure taxonomy exposed to clients. Kinds are
// persisted into the job record's error column, so renaming one is a
// breaking change.
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindAuth                ErrorKind = "AuthError"
	KindNotFound            ErrorKind = "NotFound"
	KindNotReady            ErrorKind = "NotReady"
	KindTransientProcessing ErrorKind = "TransientProcessingError"
	KindPermanentProcessing ErrorKind = "PermanentProcessingError"
	KindEnqueue             ErrorKind = "EnqueueError"
)

// Error is the structured failure detail stored on a failed job. Clients
// only ever see the kind plus a human-readable message, never internal
// stack traces.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether a processing failure of this kind should be
// re-queued (subject to the attempt bound) rather than failing the job
// outright.
func (e Error) Retryable() bool {
	return e.Kind == KindTransientProcessing
}

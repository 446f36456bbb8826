package jobs

// State represents the lifecycle state of a job in the jobs table.
// These values must match the text values stored in the database
// (jobs.state).
//
// Centralizing these here avoids scattering string literals like
// "queued" or "completed" across packages.
type State string

const (
	// StateCreated is transient: the row exists but no queue message
	// has been published yet. The intake gateway moves a job out of
	// this state (forward on publish, back on publish failure).
	StateCreated State = "created"

	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

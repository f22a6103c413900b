package constants

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // admitted, not yet dequeued
	JobStatusProcessing JobStatus = "processing" // fetch + OCR in progress
	JobStatusExtracting JobStatus = "extracting" // LLM projection in progress
	JobStatusCompleted  JobStatus = "completed"  // terminal success
	JobStatusFailed     JobStatus = "failed"     // terminal failure
)

// JobType selects the pipeline depth: OCR only, or OCR followed by LLM extraction.
type JobType string

const (
	JobTypeParse   JobType = "parse"
	JobTypeExtract JobType = "extract"
)

// Terminal reports whether s is a terminal state. Terminal states are
// irreversible; rows in a terminal state are immutable except for soft delete.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// transitions is the status DAG. Absent keys have no outgoing edges.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusExtracting, JobStatusCompleted, JobStatusFailed},
	JobStatusExtracting: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether from -> to is a legal edge. A no-op
// transition is always legal so terminal writes stay idempotent.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t JobType) Valid() bool {
	return t == JobTypeParse || t == JobTypeExtract
}

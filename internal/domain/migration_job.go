package domain

// JobState is the lifecycle state of a migration job.
type JobState string

const (
	JobPlanned   JobState = "PLANNED"
	JobCopying   JobState = "COPYING"
	JobVerified  JobState = "VERIFIED"
	JobCommitted JobState = "COMMITTED"
	JobFailed    JobState = "FAILED"
	JobAborted   JobState = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCommitted || s == JobFailed || s == JobAborted
}

// MigrationJobRecord - audit representation of a migration job
type MigrationJobRecord struct {
	TableID     int64    `json:"table_id" dynamodbav:"table_id"` // Partition Key
	JobID       string   `json:"job_id" dynamodbav:"job_id"`     // Sort Key
	Destination string   `json:"destination" dynamodbav:"destination"`
	State       JobState `json:"state" dynamodbav:"state"`
	Partitions  []int64  `json:"partitions" dynamodbav:"partitions"`
	RowsCopied  int64    `json:"rows_copied" dynamodbav:"rows_copied"`
	Error       string   `json:"error,omitempty" dynamodbav:"error,omitempty"`
	UpdatedAt   int64    `json:"updated_at" dynamodbav:"updated_at"` // Unix millis
}

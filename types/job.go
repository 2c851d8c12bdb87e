// Package types defines the core pipeline records: jobs, datasets, findings,
// extracted-text artifacts, events, and the error-kind taxonomy.
//
// It is a leaf package with no internal dependencies.
package types

import (
	"strconv"
	"time"
)

// JobType identifies the pipeline stage a job executes.
type JobType string

// Pipeline stage types, in execution order.
const (
	JobTypeFileProcessing JobType = "file_processing"
	JobTypeTextExtraction JobType = "text_extraction"
	JobTypePIIAnalysis    JobType = "pii_analysis"
	JobTypeAnonymization  JobType = "anonymization"
)

// Successor returns the stage that follows this one, or "" for the last stage.
func (t JobType) Successor() JobType {
	switch t {
	case JobTypeFileProcessing:
		return JobTypeTextExtraction
	case JobTypeTextExtraction:
		return JobTypePIIAnalysis
	case JobTypePIIAnalysis:
		return JobTypeAnonymization
	default:
		return ""
	}
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states. A job is created Queued, moves to Running on worker
// pickup, and ends in exactly one of the terminal states.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is terminal. A terminal job is
// immutable except for purging.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Metadata keys with defined semantics. All other keys are free-form.
const (
	MetaIsRetry       = "isRetry"
	MetaOriginalJobID = "originalJobId"
	MetaRetryAttempt  = "retryAttempt"
	MetaCorrelationID = "correlationId"
)

// Job is one unit of work on one pipeline stage for one dataset.
type Job struct {
	// ID is the stable job identifier.
	ID string `msgpack:"id"`
	// Type is the stage this job executes.
	Type JobType `msgpack:"type"`
	// Status is the current lifecycle state.
	Status JobStatus `msgpack:"status"`
	// Priority orders dispatch; higher runs first. Ties are FIFO.
	Priority int `msgpack:"priority"`
	// Progress is the stage completion percentage, 0-100, monotonic.
	Progress int `msgpack:"progress"`
	// Attempt is the delivery attempt counter, starts at 1 on first reserve.
	Attempt int `msgpack:"attempt"`
	// Stalls counts stall recoveries. The second stall fails the job.
	Stalls int `msgpack:"stalls"`
	// CreatedAt, StartedAt, EndedAt bound the job lifecycle.
	CreatedAt time.Time  `msgpack:"created_at"`
	StartedAt *time.Time `msgpack:"started_at,omitempty"`
	EndedAt   *time.Time `msgpack:"ended_at,omitempty"`
	// Error is the failure text for Failed jobs, tagged with the error kind.
	Error string `msgpack:"error,omitempty"`
	// Metadata is free-form string extension data. Keys with defined
	// semantics are listed as Meta* constants.
	Metadata map[string]string `msgpack:"metadata,omitempty"`

	// Back-references.
	DatasetID string `msgpack:"dataset_id"`
	PolicyID  string `msgpack:"policy_id,omitempty"`
	UserID    string `msgpack:"user_id"`
	ProjectID string `msgpack:"project_id,omitempty"`
}

// RetryAttempt returns the retry generation recorded in metadata, or 0.
func (j *Job) RetryAttempt() int {
	if j.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(j.Metadata[MetaRetryAttempt])
	if err != nil {
		return 0
	}
	return n
}

// MetaSet sets a metadata key, allocating the map if needed.
func (j *Job) MetaSet(key, value string) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
	j.Metadata[key] = value
}

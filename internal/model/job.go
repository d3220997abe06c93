package model

import (
	"time"
)

// JobStatus describes the lifecycle of a single page through extraction.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobUploading  JobStatus = "UPLOADING"
	JobProcessing JobStatus = "PROCESSING"
	JobPolling    JobStatus = "POLLING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobExpired    JobStatus = "EXPIRED"
	JobCancelled  JobStatus = "CANCELLED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobUploading, JobFailed, JobExpired, JobCancelled},
	JobUploading:  {JobProcessing, JobFailed, JobExpired, JobCancelled},
	JobProcessing: {JobPolling, JobFailed, JobExpired, JobCancelled},
	JobPolling:    {JobCompleted, JobFailed, JobExpired, JobCancelled},
	JobCompleted:  {},
	JobFailed:     {},
	JobExpired:    {},
	JobCancelled:  {},
}

// CanTransition reports whether moving from s to next is legal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the job is immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobExpired, JobCancelled:
		return true
	}
	return false
}

// Error codes recorded on failed jobs, distinct so callers can tell a stuck
// operation from a rejected one.
const (
	ErrCodeStorage          = "storage_error"
	ErrCodeSubmitFailed     = "submit_failed"
	ErrCodeTransientIO      = "transient_io"
	ErrCodeExtractionFailed = "extraction_failed"
	ErrCodePollTimeout      = "poll_timeout"
	ErrCodePostProcess      = "post_process_failed"
)

// Job is the unit of work for a single page. Jobs produced by splitting a
// multi-page file share a ParentID used only for output re-assembly.
type Job struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	ParentID       *string           `json:"parentId,omitempty"`
	FileName       string            `json:"fileName"`
	PageNumber     int               `json:"pageNumber"`
	ContentType    string            `json:"contentType"`
	Status         JobStatus         `json:"status"`
	OperationID    *string           `json:"-"`
	PollAttempts   int               `json:"pollAttempts"`
	LastPolledAt   *time.Time        `json:"lastPolledAt,omitempty"`
	PollingSince   *time.Time        `json:"-"`
	Fields         map[string]string `json:"fields,omitempty"`
	OutputName     *string           `json:"outputName,omitempty"`
	CreditsCharged int               `json:"creditsCharged"`
	Unbilled       bool              `json:"unbilled,omitempty"`
	ErrorCode      *string           `json:"errorCode,omitempty"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Package watch defines core types shared across subsystems.
package watch

import (
	"time"

	"github.com/shopspring/decimal"
)

// DraftJobStatus represents the lifecycle state of a draft job.
type DraftJobStatus string

// Draft job status values persisted in the store. The lifecycle is linear:
// Pending -> Queued -> Processing -> Completed or Failed.
const (
	DraftJobStatusPending    DraftJobStatus = "pending"
	DraftJobStatusQueued     DraftJobStatus = "queued"
	DraftJobStatusProcessing DraftJobStatus = "processing"
	DraftJobStatusCompleted  DraftJobStatus = "completed"
	DraftJobStatusFailed     DraftJobStatus = "failed"
)

// JobStatus represents the lifecycle state of a recurring watch job.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusActive  JobStatus = "active"
	JobStatusPaused  JobStatus = "paused"
	JobStatusDeleted JobStatus = "deleted"
)

// JobRunStatus is the outcome of one execution of a job.
type JobRunStatus string

// Job run outcomes.
const (
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
)

// DraftJob is a one-shot request to capture a page's HTML so the user can
// pick an element to track.
type DraftJob struct {
	ID                int64          `json:"id"`
	URL               string         `json:"url"`
	CrawledHTML       *string        `json:"crawled_html,omitempty"`
	UserID            int64          `json:"user_id"`
	Status            DraftJobStatus `json:"status"`
	MonitoringTokenID *int64         `json:"monitoring_token_id,omitempty"`
	Created           time.Time      `json:"created"`
}

// DraftJobLog is one entry of a draft job's append-only audit trail.
type DraftJobLog struct {
	ID         int64          `json:"id"`
	DraftJobID int64          `json:"draft_job_id"`
	Message    string         `json:"message"`
	Status     DraftJobStatus `json:"status"`
	Created    time.Time      `json:"created"`
}

// Job is a durable, recurring price watch derived from a draft job.
type Job struct {
	ID         int64            `json:"id"`
	DraftJobID int64            `json:"draft_job_id"`
	URL        string           `json:"url"`
	UserID     int64            `json:"user_id"`
	Selector   string           `json:"selector"`
	XPath      string           `json:"xpath"`
	StartPrice *decimal.Decimal `json:"start_price,omitempty"`
	NextDue    time.Time        `json:"next_due"`
	TokenID    int64            `json:"token_id"`
	Status     JobStatus        `json:"status"`
	Created    time.Time        `json:"created"`
}

// JobRun is the immutable result of one execution of a job. Only the
// Notified flag ever changes after insert.
type JobRun struct {
	ID       int64            `json:"id"`
	JobID    int64            `json:"job_id"`
	Status   JobRunStatus     `json:"status"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Message  string           `json:"message"`
	Notified bool             `json:"notified"`
	Created  time.Time        `json:"created"`
}

// User is a registered watcher. Registration itself lives outside this
// service; the notifier only needs the email address.
type User struct {
	ID      int64     `json:"id"`
	Email   string    `json:"email"`
	Created time.Time `json:"created"`
}

// TokenPurpose scopes what a token value grants access to.
type TokenPurpose string

// Token purposes.
const (
	TokenPurposeMonitoring TokenPurpose = "monitoring"
	TokenPurposeJob        TokenPurpose = "job"
)

// Token is an opaque capability handed to users to view or manage a watch.
type Token struct {
	ID      int64        `json:"id"`
	UserID  int64        `json:"user_id"`
	Purpose TokenPurpose `json:"purpose"`
	Value   string       `json:"value"`
	Expires time.Time    `json:"expires"`
	Created time.Time    `json:"created"`
}

// Selection is the user-captured description of one DOM element, serialized
// as JSON and persisted verbatim on the job record. It is replayed by the
// selector synthesizer at job-creation time only.
type Selection struct {
	// Text is the inner text of the chosen element.
	Text string `json:"text"`
	// Element is the raw HTML of the chosen element.
	Element string `json:"element"`
	// Lineage holds the element's ancestors, immediate parent first,
	// up to the 10th parent if available.
	Lineage []ElementSummary `json:"lineage"`
}

// ElementSummary describes one ancestor of a selected element.
type ElementSummary struct {
	Tag     string `json:"tag"`
	ID      string `json:"id,omitempty"`
	Classes string `json:"classes,omitempty"`
	Name    string `json:"name,omitempty"`
}

// PriceResult is the outcome of evaluating a job's selector on the live page.
// OK false means the run failed; Log carries the human-readable narrative in
// either case.
type PriceResult struct {
	OK    bool
	Price decimal.Decimal
	Log   string
}

// EmailSendResult is the outcome enum of the external email transport.
type EmailSendResult int

// Email transport outcomes.
const (
	EmailSendSuccess EmailSendResult = iota + 1
	EmailSendError
	EmailSendInvalidRecipient
	EmailSendServiceUnavailable
	EmailSendQuotaExceeded
)

func (r EmailSendResult) String() string {
	switch r {
	case EmailSendSuccess:
		return "success"
	case EmailSendError:
		return "error"
	case EmailSendInvalidRecipient:
		return "invalid_recipient"
	case EmailSendServiceUnavailable:
		return "service_unavailable"
	case EmailSendQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

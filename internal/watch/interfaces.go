package watch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DraftJobs persists draft jobs and their audit trail.
type DraftJobs interface {
	Create(ctx context.Context, url string, userID int64) (DraftJob, error)
	GetByID(ctx context.Context, id int64) (DraftJob, error)
	GetByMonitoringToken(ctx context.Context, token string) (DraftJob, error)
	ListPending(ctx context.Context) ([]DraftJob, error)
	Logs(ctx context.Context, draftJobID int64) ([]DraftJobLog, error)
	SetMonitoringTokenID(ctx context.Context, draftJobID, tokenID int64) error
	AcquireLease(ctx context.Context, draftJobID int64) (DraftJobLease, error)
}

// DraftJobLease is an exclusive, transactional claim on one draft job row.
// The holder is the only writer allowed to mutate the record until Commit or
// Abandon releases the row lock.
type DraftJobLease interface {
	// Status is the persisted status read atomically with the lock.
	Status() DraftJobStatus
	SetStatus(ctx context.Context, status DraftJobStatus) error
	SetHTML(ctx context.Context, html string) error
	// Log appends an audit entry outside the lease transaction so it is
	// visible to readers while the job is still being processed.
	Log(ctx context.Context, message string, status DraftJobStatus) error
	Commit(ctx context.Context) error
	Abandon(ctx context.Context)
}

// CreateJobParams collects inputs required to insert a recurring job.
type CreateJobParams struct {
	DraftJobID int64
	TokenID    int64
	Selector   string
	XPath      string
	StartPrice decimal.Decimal
}

// Jobs persists recurring watch jobs and their runs.
type Jobs interface {
	Create(ctx context.Context, p CreateJobParams) error
	GetByID(ctx context.Context, id int64) (Job, error)
	GetByDraftJobID(ctx context.Context, draftJobID int64) (Job, bool, error)
	CountForUser(ctx context.Context, userID int64) (int, error)
	ListDue(ctx context.Context, now time.Time) ([]Job, error)
	IDsWithUnnotifiedRuns(ctx context.Context) ([]int64, error)
	RunsByJobID(ctx context.Context, jobID int64) ([]JobRun, error)
	MarkRunsNotified(ctx context.Context, jobID int64) error
	AcquireLease(ctx context.Context, jobID int64) (JobLease, error)
}

// JobLease is an exclusive, transactional claim on one job row for the
// duration of a single execution. Both completion paths persist a JobRun,
// advance the next-due timestamp, and release the lock atomically.
type JobLease interface {
	Status() JobStatus
	Due() time.Time
	CompleteSuccess(ctx context.Context, price decimal.Decimal, message string) error
	CompleteFailure(ctx context.Context, message string) error
	Abandon(ctx context.Context)
}

// Users reads registered watchers.
type Users interface {
	GetByID(ctx context.Context, id int64) (User, error)
}

// Tokens mints and resolves opaque access tokens.
type Tokens interface {
	Create(ctx context.Context, userID int64, purpose TokenPurpose, expires time.Time) (Token, error)
	GetByID(ctx context.Context, id int64) (Token, error)
}

// Emails records sent mail and answers quota queries.
type Emails interface {
	Record(ctx context.Context, recipient, subject, body string) error
	SentToday(ctx context.Context, now time.Time) (int, error)
}

// Crawler drives a pooled browser session against a single page.
type Crawler interface {
	// FetchPage loads the URL and returns the rendered page markup.
	// Progress messages are emitted through the callback for later audit.
	FetchPage(ctx context.Context, url string, progress func(string)) (string, error)
	// FetchPrice loads the URL and evaluates the selector against the live
	// DOM. Selector and parse failures are reported inside the result, not
	// as errors; the error return is for infrastructure failures only.
	FetchPrice(ctx context.Context, url, xpath string) (PriceResult, error)
	Close()
}

// EmailSender is the external email transport boundary.
type EmailSender interface {
	Send(ctx context.Context, recipient, subject, body string) (EmailSendResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

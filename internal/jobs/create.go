// Package jobs promotes a crawled draft into a standing monitoring job.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pricehound/internal/price"
	"pricehound/internal/selector"
	"pricehound/internal/watch"
)

// MaxJobsPerUser caps how many standing jobs one user may run.
const MaxJobsPerUser = 3

// Job tokens effectively never expire.
const jobTokenYears = 20

// CreateStatus describes the outcome of a job creation attempt.
type CreateStatus int

// Creation outcomes.
const (
	StatusCreated CreateStatus = iota + 1
	StatusDraftNotFound
	StatusDraftNotReady
	StatusAlreadyExists
	StatusLimitReached
	StatusSelectionInvalid
)

func (s CreateStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusDraftNotFound:
		return "draft_not_found"
	case StatusDraftNotReady:
		return "draft_not_ready"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusLimitReached:
		return "limit_reached"
	case StatusSelectionInvalid:
		return "selection_invalid"
	default:
		return "unknown"
	}
}

// CreateResult is what a creation attempt produced. TokenValue is set
// when a job exists at the end of the call, whether it was just created
// or already there.
type CreateResult struct {
	Status     CreateStatus
	TokenValue string
	Reason     string
}

// Creator turns a user's element selection on a crawled draft into a
// monitoring job with its own access token.
type Creator struct {
	drafts watch.DraftJobs
	jobs   watch.Jobs
	tokens watch.Tokens
	clock  watch.Clock
	logger *zap.Logger
}

// NewCreator constructs a Creator.
func NewCreator(drafts watch.DraftJobs, jobs watch.Jobs, tokens watch.Tokens, clock watch.Clock, logger *zap.Logger) *Creator {
	return &Creator{drafts: drafts, jobs: jobs, tokens: tokens, clock: clock, logger: logger}
}

// Create validates the selection against the draft's crawled page and,
// if everything holds, persists the job. Validation outcomes come back
// in the result; only infrastructure trouble comes back as an error.
func (c *Creator) Create(ctx context.Context, monitoringToken string, sel watch.Selection) (CreateResult, error) {
	draft, err := c.drafts.GetByMonitoringToken(ctx, monitoringToken)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			return CreateResult{Status: StatusDraftNotFound, Reason: "no draft job matches this token"}, nil
		}
		return CreateResult{}, fmt.Errorf("load draft job: %w", err)
	}

	if draft.Status != watch.DraftJobStatusCompleted || draft.CrawledHTML == nil {
		return CreateResult{Status: StatusDraftNotReady, Reason: "the page has not been crawled yet"}, nil
	}

	existing, found, err := c.jobs.GetByDraftJobID(ctx, draft.ID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("check existing job: %w", err)
	}
	if found {
		token, err := c.tokens.GetByID(ctx, existing.TokenID)
		if err != nil {
			return CreateResult{}, fmt.Errorf("load existing job token: %w", err)
		}
		return CreateResult{
			Status:     StatusAlreadyExists,
			TokenValue: token.Value,
			Reason:     "a job already exists for this draft",
		}, nil
	}

	count, err := c.jobs.CountForUser(ctx, draft.UserID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("count user jobs: %w", err)
	}
	if count >= MaxJobsPerUser {
		return CreateResult{
			Status: StatusLimitReached,
			Reason: fmt.Sprintf("you already run %d jobs", count),
		}, nil
	}

	startPrice, err := price.Parse(sel.Text)
	if err != nil {
		return CreateResult{
			Status: StatusSelectionInvalid,
			Reason: fmt.Sprintf("the selected text does not look like a price: %v", err),
		}, nil
	}

	xpath, err := selector.Synthesize(*draft.CrawledHTML, sel)
	if err != nil {
		return CreateResult{
			Status: StatusSelectionInvalid,
			Reason: "the selected element could not be uniquely located on the page",
		}, nil
	}

	selJSON, err := json.Marshal(sel)
	if err != nil {
		return CreateResult{}, fmt.Errorf("encode selection: %w", err)
	}

	token, err := c.tokens.Create(ctx, draft.UserID, watch.TokenPurposeJob, c.clock.Now().AddDate(jobTokenYears, 0, 0))
	if err != nil {
		return CreateResult{}, fmt.Errorf("create job token: %w", err)
	}

	if err := c.jobs.Create(ctx, watch.CreateJobParams{
		DraftJobID: draft.ID,
		TokenID:    token.ID,
		Selector:   string(selJSON),
		XPath:      xpath,
		StartPrice: startPrice,
	}); err != nil {
		return CreateResult{}, fmt.Errorf("create job: %w", err)
	}

	c.logger.Info("job created",
		zap.Int64("draft_job_id", draft.ID),
		zap.Int64("user_id", draft.UserID),
		zap.String("xpath", xpath),
		zap.String("start_price", startPrice.String()))

	return CreateResult{Status: StatusCreated, TokenValue: token.Value}, nil
}

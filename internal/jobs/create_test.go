package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricehound/internal/watch"
)

const draftPage = `<html><body>
	<div class="listing">
		<span id="price">19.99</span>
		<span class="note">free shipping</span>
	</div>
</body></html>`

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type fakeDrafts struct {
	byToken map[string]watch.DraftJob
}

func (f *fakeDrafts) Create(context.Context, string, int64) (watch.DraftJob, error) {
	return watch.DraftJob{}, nil
}

func (f *fakeDrafts) GetByID(context.Context, int64) (watch.DraftJob, error) {
	return watch.DraftJob{}, watch.ErrNotFound
}

func (f *fakeDrafts) GetByMonitoringToken(_ context.Context, token string) (watch.DraftJob, error) {
	draft, ok := f.byToken[token]
	if !ok {
		return watch.DraftJob{}, watch.ErrNotFound
	}
	return draft, nil
}

func (f *fakeDrafts) ListPending(context.Context) ([]watch.DraftJob, error) {
	return nil, nil
}

func (f *fakeDrafts) Logs(context.Context, int64) ([]watch.DraftJobLog, error) {
	return nil, nil
}

func (f *fakeDrafts) SetMonitoringTokenID(context.Context, int64, int64) error {
	return nil
}

func (f *fakeDrafts) AcquireLease(context.Context, int64) (watch.DraftJobLease, error) {
	return nil, watch.ErrNotFound
}

type fakeJobs struct {
	existing    *watch.Job
	userCount   int
	created     []watch.CreateJobParams
	createError error
}

func (f *fakeJobs) Create(_ context.Context, p watch.CreateJobParams) error {
	if f.createError != nil {
		return f.createError
	}
	f.created = append(f.created, p)
	return nil
}

func (f *fakeJobs) GetByID(context.Context, int64) (watch.Job, error) {
	return watch.Job{}, watch.ErrNotFound
}

func (f *fakeJobs) GetByDraftJobID(context.Context, int64) (watch.Job, bool, error) {
	if f.existing == nil {
		return watch.Job{}, false, nil
	}
	return *f.existing, true, nil
}

func (f *fakeJobs) CountForUser(context.Context, int64) (int, error) {
	return f.userCount, nil
}

func (f *fakeJobs) ListDue(context.Context, time.Time) ([]watch.Job, error) {
	return nil, nil
}

func (f *fakeJobs) IDsWithUnnotifiedRuns(context.Context) ([]int64, error) {
	return nil, nil
}

func (f *fakeJobs) RunsByJobID(context.Context, int64) ([]watch.JobRun, error) {
	return nil, nil
}

func (f *fakeJobs) MarkRunsNotified(context.Context, int64) error {
	return nil
}

func (f *fakeJobs) AcquireLease(context.Context, int64) (watch.JobLease, error) {
	return nil, watch.ErrNotFound
}

type fakeTokens struct {
	nextID  int64
	created []watch.Token
}

func (f *fakeTokens) Create(_ context.Context, userID int64, purpose watch.TokenPurpose, expires time.Time) (watch.Token, error) {
	f.nextID++
	token := watch.Token{ID: f.nextID, UserID: userID, Purpose: purpose, Value: "job-token-value", Expires: expires}
	f.created = append(f.created, token)
	return token, nil
}

func (f *fakeTokens) GetByID(_ context.Context, id int64) (watch.Token, error) {
	return watch.Token{ID: id, Value: "existing-token-value"}, nil
}

func completedDraft(html string) watch.DraftJob {
	return watch.DraftJob{
		ID:          1,
		URL:         "https://shop.example.com/widget",
		CrawledHTML: &html,
		UserID:      7,
		Status:      watch.DraftJobStatusCompleted,
	}
}

func priceSelection() watch.Selection {
	return watch.Selection{
		Text:    "19.99",
		Element: `<span id="price">19.99</span>`,
		Lineage: []watch.ElementSummary{
			{Tag: "div", Classes: "listing"},
			{Tag: "body"},
		},
	}
}

func newTestCreator(drafts *fakeDrafts, jobs *fakeJobs, tokens *fakeTokens) *Creator {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewCreator(drafts, jobs, tokens, fakeClock{now: now}, zap.NewNop())
}

func TestCreator_CreatesJob(t *testing.T) {
	t.Parallel()

	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{"mon-tok": completedDraft(draftPage)}}
	jobs := &fakeJobs{}
	tokens := &fakeTokens{}

	result, err := newTestCreator(drafts, jobs, tokens).Create(context.Background(), "mon-tok", priceSelection())
	require.NoError(t, err)
	require.Equal(t, StatusCreated, result.Status)
	require.Equal(t, "job-token-value", result.TokenValue)

	require.Len(t, jobs.created, 1)
	created := jobs.created[0]
	require.Equal(t, int64(1), created.DraftJobID)
	require.Equal(t, "//span[@id='price']", created.XPath)
	require.Equal(t, "19.99", created.StartPrice.StringFixed(2))
	require.Contains(t, created.Selector, `"text":"19.99"`)

	require.Len(t, tokens.created, 1)
	require.Equal(t, watch.TokenPurposeJob, tokens.created[0].Purpose)
	require.Equal(t, int64(7), tokens.created[0].UserID)
}

func TestCreator_UnknownToken(t *testing.T) {
	t.Parallel()

	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{}}

	result, err := newTestCreator(drafts, &fakeJobs{}, &fakeTokens{}).
		Create(context.Background(), "nope", priceSelection())
	require.NoError(t, err)
	require.Equal(t, StatusDraftNotFound, result.Status)
}

func TestCreator_DraftNotReady(t *testing.T) {
	t.Parallel()

	draft := completedDraft(draftPage)
	draft.Status = watch.DraftJobStatusProcessing
	draft.CrawledHTML = nil
	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{"mon-tok": draft}}

	result, err := newTestCreator(drafts, &fakeJobs{}, &fakeTokens{}).
		Create(context.Background(), "mon-tok", priceSelection())
	require.NoError(t, err)
	require.Equal(t, StatusDraftNotReady, result.Status)
}

func TestCreator_DuplicateDraftReturnsExistingToken(t *testing.T) {
	t.Parallel()

	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{"mon-tok": completedDraft(draftPage)}}
	jobs := &fakeJobs{existing: &watch.Job{ID: 4, TokenID: 8}}

	result, err := newTestCreator(drafts, jobs, &fakeTokens{}).
		Create(context.Background(), "mon-tok", priceSelection())
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyExists, result.Status)
	require.Equal(t, "existing-token-value", result.TokenValue)
	require.Empty(t, jobs.created)
}

func TestCreator_UserLimit(t *testing.T) {
	t.Parallel()

	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{"mon-tok": completedDraft(draftPage)}}
	jobs := &fakeJobs{userCount: MaxJobsPerUser}

	result, err := newTestCreator(drafts, jobs, &fakeTokens{}).
		Create(context.Background(), "mon-tok", priceSelection())
	require.NoError(t, err)
	require.Equal(t, StatusLimitReached, result.Status)
	require.Empty(t, jobs.created)
}

func TestCreator_SelectionTextNotAPrice(t *testing.T) {
	t.Parallel()

	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{"mon-tok": completedDraft(draftPage)}}
	jobs := &fakeJobs{}

	sel := priceSelection()
	sel.Text = "free shipping"

	result, err := newTestCreator(drafts, jobs, &fakeTokens{}).
		Create(context.Background(), "mon-tok", sel)
	require.NoError(t, err)
	require.Equal(t, StatusSelectionInvalid, result.Status)
	require.Contains(t, result.Reason, "price")
	require.Empty(t, jobs.created)
}

func TestCreator_SelectionNotLocatable(t *testing.T) {
	t.Parallel()

	drafts := &fakeDrafts{byToken: map[string]watch.DraftJob{"mon-tok": completedDraft(draftPage)}}
	jobs := &fakeJobs{}

	sel := priceSelection()
	sel.Element = `<span id="missing">19.99</span>`
	sel.Lineage = nil

	result, err := newTestCreator(drafts, jobs, &fakeTokens{}).
		Create(context.Background(), "mon-tok", sel)
	require.NoError(t, err)
	require.Equal(t, StatusSelectionInvalid, result.Status)
	require.Empty(t, jobs.created)
}

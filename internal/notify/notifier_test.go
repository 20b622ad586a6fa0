package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricehound/internal/watch"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[int64]watch.Job
	runs   map[int64][]watch.JobRun
	marked []int64

	getCalls int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[int64]watch.Job{}, runs: map[int64][]watch.JobRun{}}
}

func (f *fakeJobs) addJob(job watch.Job, runs ...watch.JobRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.runs[job.ID] = runs
}

func (f *fakeJobs) Create(context.Context, watch.CreateJobParams) error {
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id int64) (watch.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	job, ok := f.jobs[id]
	if !ok {
		return watch.Job{}, watch.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) GetByDraftJobID(context.Context, int64) (watch.Job, bool, error) {
	return watch.Job{}, false, nil
}

func (f *fakeJobs) CountForUser(context.Context, int64) (int, error) {
	return 0, nil
}

func (f *fakeJobs) ListDue(context.Context, time.Time) ([]watch.Job, error) {
	return nil, nil
}

func (f *fakeJobs) IDsWithUnnotifiedRuns(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, runs := range f.runs {
		for _, run := range runs {
			if !run.Notified {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (f *fakeJobs) RunsByJobID(_ context.Context, id int64) ([]watch.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := make([]watch.JobRun, len(f.runs[id]))
	copy(runs, f.runs[id])
	return runs, nil
}

func (f *fakeJobs) MarkRunsNotified(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := f.runs[id]
	for i := range runs {
		runs[i].Notified = true
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeJobs) AcquireLease(context.Context, int64) (watch.JobLease, error) {
	return nil, watch.ErrNotFound
}

func (f *fakeJobs) markedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.marked))
	copy(out, f.marked)
	return out
}

type fakeUsers struct{}

func (fakeUsers) GetByID(_ context.Context, id int64) (watch.User, error) {
	return watch.User{ID: id, Email: "user@example.com"}, nil
}

type fakeTokens struct{}

func (fakeTokens) Create(context.Context, int64, watch.TokenPurpose, time.Time) (watch.Token, error) {
	return watch.Token{}, nil
}

func (fakeTokens) GetByID(_ context.Context, id int64) (watch.Token, error) {
	return watch.Token{ID: id, Value: "tok-abc"}, nil
}

type sentEmail struct {
	recipient string
	subject   string
	body      string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentEmail
	result watch.EmailSendResult
	quota  *fakeEmails
}

func (s *fakeSender) Send(_ context.Context, recipient, subject, body string) (watch.EmailSendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEmail{recipient: recipient, subject: subject, body: body})
	if s.quota != nil && s.result == watch.EmailSendSuccess {
		s.quota.add()
	}
	return s.result, nil
}

func (s *fakeSender) all() []sentEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentEmail, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeEmails struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeEmails) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
}

func (f *fakeEmails) Record(context.Context, string, string, string) error {
	f.add()
	return nil
}

func (f *fakeEmails) SentToday(context.Context, time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, nil
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newTestNotifier(jobs *fakeJobs, sender *fakeSender, emails *fakeEmails, cfg Config) *Notifier {
	if cfg.SiteURL == "" {
		cfg.SiteURL = "https://watch.example.com"
	}
	sender.quota = emails
	return New(jobs, fakeUsers{}, fakeTokens{}, emails, sender, fakeClock{now: time.Now()}, cfg, zap.NewNop())
}

func TestFailureStreak(t *testing.T) {
	t.Parallel()

	failed := watch.JobRun{Status: watch.JobRunFailed}
	notifiedFailure := watch.JobRun{Status: watch.JobRunFailed, Notified: true}
	succeeded := watch.JobRun{Status: watch.JobRunSucceeded}

	testCases := []struct {
		name string
		runs []watch.JobRun
		want int
	}{
		{"empty", nil, 0},
		{"latest succeeded", []watch.JobRun{succeeded, failed}, 0},
		{"two fresh failures", []watch.JobRun{failed, failed}, 2},
		{"notified failure zeroes", []watch.JobRun{failed, notifiedFailure, failed}, 0},
		{"notified tail zeroes", []watch.JobRun{failed, failed, notifiedFailure}, 0},
		{"success ends streak", []watch.JobRun{failed, succeeded, failed}, 1},
		{"success shields older notified", []watch.JobRun{failed, succeeded, notifiedFailure}, 1},
		{"long streak", []watch.JobRun{failed, failed, failed, succeeded}, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, FailureStreak(tc.runs))
		})
	}
}

func TestNotifier_PriceChangeSendsAndMarks(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", UserID: 5, TokenID: 9, StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunSucceeded, Price: price("11.50")},
	)
	sender := &fakeSender{result: watch.EmailSendSuccess}
	emails := &fakeEmails{}

	n := newTestNotifier(jobs, sender, emails, Config{})
	require.NoError(t, n.Pass(context.Background()))

	sent := sender.all()
	require.Len(t, sent, 1)
	require.Equal(t, "user@example.com", sent[0].recipient)
	require.Contains(t, sent[0].subject, "https://shop.example.com/w")
	require.Contains(t, sent[0].body, "10.00")
	require.Contains(t, sent[0].body, "11.50")
	require.Contains(t, sent[0].body, "tok-abc")
	require.Equal(t, []int64{1}, jobs.markedIDs())
}

func TestNotifier_SmallDeltaMarksWithoutEmail(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunSucceeded, Price: price("10.50")},
	)
	sender := &fakeSender{result: watch.EmailSendSuccess}

	n := newTestNotifier(jobs, sender, &fakeEmails{}, Config{})
	require.NoError(t, n.Pass(context.Background()))

	require.Empty(t, sender.all())
	require.Equal(t, []int64{1}, jobs.markedIDs())
}

func TestNotifier_SingleFailureStaysUnnotified(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunFailed, Message: "selector missing"},
	)
	sender := &fakeSender{result: watch.EmailSendSuccess}

	n := newTestNotifier(jobs, sender, &fakeEmails{}, Config{})
	require.NoError(t, n.Pass(context.Background()))

	// One failure is below the threshold. It must stay unnotified so
	// the streak can grow.
	require.Empty(t, sender.all())
	require.Empty(t, jobs.markedIDs())
}

func TestNotifier_FailureStreakTriggersAlert(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunFailed},
		watch.JobRun{Status: watch.JobRunFailed},
	)
	sender := &fakeSender{result: watch.EmailSendSuccess}

	n := newTestNotifier(jobs, sender, &fakeEmails{}, Config{})
	require.NoError(t, n.Pass(context.Background()))

	sent := sender.all()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].subject, "trouble")
	require.Equal(t, []int64{1}, jobs.markedIDs())

	// The alert marked the failures, so another identical pass is quiet.
	require.NoError(t, n.Pass(context.Background()))
	require.Len(t, sender.all(), 1)
}

func TestNotifier_AlertedFailureWindowStaysQuiet(t *testing.T) {
	t.Parallel()

	// The oldest failure was already alerted and no success has happened
	// since, so the new failures belong to the same window and must not
	// trigger a second email.
	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunFailed},
		watch.JobRun{Status: watch.JobRunFailed},
		watch.JobRun{Status: watch.JobRunFailed, Notified: true},
	)
	sender := &fakeSender{result: watch.EmailSendSuccess}

	n := newTestNotifier(jobs, sender, &fakeEmails{}, Config{FailureThreshold: 2})
	require.NoError(t, n.Pass(context.Background()))

	require.Empty(t, sender.all())
	require.Empty(t, jobs.markedIDs())
}

func TestNotifier_SendFailureLeavesRunsForRetry(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunSucceeded, Price: price("20.00")},
	)
	sender := &fakeSender{result: watch.EmailSendServiceUnavailable}

	n := newTestNotifier(jobs, sender, &fakeEmails{}, Config{})
	require.NoError(t, n.Pass(context.Background()))

	require.Len(t, sender.all(), 1)
	require.Empty(t, jobs.markedIDs())

	// The transport recovers and the next pass delivers.
	sender.mu.Lock()
	sender.result = watch.EmailSendSuccess
	sender.mu.Unlock()
	require.NoError(t, n.Pass(context.Background()))
	require.Equal(t, []int64{1}, jobs.markedIDs())
}

func TestNotifier_QuotaExhaustedSkipsPass(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.addJob(
		watch.Job{ID: 1, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
		watch.JobRun{Status: watch.JobRunSucceeded, Price: price("20.00")},
	)
	sender := &fakeSender{result: watch.EmailSendSuccess}
	emails := &fakeEmails{sent: 100}

	n := newTestNotifier(jobs, sender, emails, Config{DailyQuota: 100})
	require.NoError(t, n.Pass(context.Background()))

	require.Empty(t, sender.all())
	require.Empty(t, jobs.markedIDs())
}

func TestNotifier_QuotaStopsMidPass(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	for id := int64(1); id <= 3; id++ {
		jobs.addJob(
			watch.Job{ID: id, URL: "https://shop.example.com/w", StartPrice: price("10.00")},
			watch.JobRun{Status: watch.JobRunSucceeded, Price: price("20.00")},
		)
	}
	sender := &fakeSender{result: watch.EmailSendSuccess}
	emails := &fakeEmails{}

	n := newTestNotifier(jobs, sender, emails, Config{DailyQuota: 1})
	require.NoError(t, n.Pass(context.Background()))

	// The quota is re-checked before each job, so only one email leaves.
	require.Len(t, sender.all(), 1)
	require.Len(t, jobs.markedIDs(), 1)
}

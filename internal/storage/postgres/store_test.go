package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pricehound/internal/watch"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return mock, NewWithDB(mock, fixedClock{now: now}), now
}

func TestDraftJobLease_LocksRowAndCommits(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM draft_jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(watch.DraftJobStatusPending))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE draft_jobs SET status = $1 WHERE id = $2`)).
		WithArgs(watch.DraftJobStatusProcessing, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO draft_job_logs`)).
		WithArgs(int64(7), "Page fully loaded.", watch.DraftJobStatusProcessing, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE draft_jobs SET crawled_html = $1 WHERE id = $2`)).
		WithArgs("<html/>", int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	lease, err := store.DraftJobs().AcquireLease(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, watch.DraftJobStatusPending, lease.Status())

	require.NoError(t, lease.SetStatus(ctx, watch.DraftJobStatusProcessing))
	require.NoError(t, lease.Log(ctx, "Page fully loaded.", watch.DraftJobStatusProcessing))
	require.NoError(t, lease.SetHTML(ctx, "<html/>"))
	require.NoError(t, lease.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDraftJobLease_AbandonRollsBack(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM draft_jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(watch.DraftJobStatusProcessing))
	mock.ExpectRollback()

	ctx := context.Background()
	lease, err := store.DraftJobs().AcquireLease(ctx, 3)
	require.NoError(t, err)

	// Unexpected status: the caller abandons without side effects.
	require.Equal(t, watch.DraftJobStatusProcessing, lease.Status())
	lease.Abandon(ctx)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDraftJobLease_VanishedRecord(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM draft_jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.DraftJobs().AcquireLease(context.Background(), 9)
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.True(t, watch.IsKind(err, watch.KindNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobLease_CompleteSuccessAdvancesDue(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	due := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, next_due FROM jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "next_due"}).AddRow(watch.JobStatusActive, due))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_runs`)).
		WithArgs(int64(11), watch.JobRunSucceeded, "19.99", "found price", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET next_due = $1 WHERE id = $2`)).
		WithArgs(pgxmock.AnyArg(), int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	lease, err := store.Jobs().AcquireLease(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, watch.JobStatusActive, lease.Status())
	require.Equal(t, due, lease.Due())

	require.NoError(t, lease.CompleteSuccess(ctx, decimal.RequireFromString("19.99"), "found price"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobLease_CompleteFailureAdvancesDue(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, next_due FROM jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(12)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "next_due"}).AddRow(watch.JobStatusActive, now))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_runs`)).
		WithArgs(int64(12), watch.JobRunFailed, "selector not found", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET next_due = $1 WHERE id = $2`)).
		WithArgs(pgxmock.AnyArg(), int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	lease, err := store.Jobs().AcquireLease(ctx, 12)
	require.NoError(t, err)
	require.NoError(t, lease.CompleteFailure(ctx, "selector not found"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextDue_Bounds(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		success := NextDueSuccess(now)
		require.True(t, success.After(now.Add(3*time.Hour-time.Second)), "success due too early: %s", success)
		require.True(t, success.Before(now.Add(5*time.Hour+25*time.Minute)), "success due too late: %s", success)

		failure := NextDueFailure(now)
		require.True(t, failure.After(now.Add(5*time.Minute-time.Second)), "failure due too early: %s", failure)
		require.True(t, failure.Before(now.Add(25*time.Minute)), "failure due too late: %s", failure)

		// Completion always strictly advances the due time.
		require.True(t, success.After(now))
		require.True(t, failure.After(now))
	}
}

func TestMarkRunsNotified(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE job_runs SET notified = TRUE WHERE job_id = $1`)).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, store.Jobs().MarkRunsNotified(context.Background(), 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

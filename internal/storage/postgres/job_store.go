package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"pricehound/internal/watch"
)

// JobStore persists recurring watch jobs and their runs.
type JobStore struct {
	db    DB
	clock watch.Clock
}

const jobColumns = `id, draft_job_id, url, user_id, selector, xpath, start_price::text, next_due, token_id, status, created`

// Create inserts a recurring job derived from a completed draft job. The
// first due time already carries the success jitter so freshly created
// watches spread out instead of firing together.
func (s *JobStore) Create(ctx context.Context, p watch.CreateJobParams) error {
	now := s.clock.Now()
	if _, err := s.db.Exec(ctx, `
		INSERT INTO jobs (draft_job_id, url, user_id, selector, xpath, start_price, next_due, token_id, status, created)
		SELECT dj.id, dj.url, dj.user_id, $2, $3, CAST($4 AS numeric), $5, $6, $7, $8
		FROM draft_jobs AS dj
		WHERE dj.id = $1`,
		p.DraftJobID, p.Selector, p.XPath, p.StartPrice.String(),
		NextDueSuccess(now), p.TokenID, watch.JobStatusActive, now,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID loads one job.
func (s *JobStore) GetByID(ctx context.Context, id int64) (watch.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetByDraftJobID returns the job created from the given draft, if any. At
// most one job exists per draft job.
func (s *JobStore) GetByDraftJobID(ctx context.Context, draftJobID int64) (watch.Job, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE draft_job_id = $1`, draftJobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			return watch.Job{}, false, nil
		}
		return watch.Job{}, false, err
	}
	return job, true, nil
}

// CountForUser returns how many jobs a user owns.
func (s *JobStore) CountForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs for user: %w", err)
	}
	return count, nil
}

// ListDue returns all jobs whose next due time has passed, oldest first.
func (s *JobStore) ListDue(ctx context.Context, now time.Time) ([]watch.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE next_due <= $1 ORDER BY created ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []watch.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return jobs, nil
}

// IDsWithUnnotifiedRuns lists jobs the notifier still has to look at.
func (s *JobStore) IDsWithUnnotifiedRuns(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT(job_id) FROM job_runs WHERE notified = FALSE`)
	if err != nil {
		return nil, fmt.Errorf("list jobs with unnotified runs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job ids: %w", err)
	}
	return ids, nil
}

// RunsByJobID returns a job's runs, most recent first.
func (s *JobStore) RunsByJobID(ctx context.Context, jobID int64) ([]watch.JobRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, status, price::text, message, notified, created
		FROM job_runs WHERE job_id = $1 ORDER BY created DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []watch.JobRun
	for rows.Next() {
		var (
			run      watch.JobRun
			priceStr *string
		)
		if err := rows.Scan(&run.ID, &run.JobID, &run.Status, &priceStr, &run.Message, &run.Notified, &run.Created); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		if priceStr != nil {
			p, err := decimal.NewFromString(*priceStr)
			if err != nil {
				return nil, fmt.Errorf("parse run price: %w", err)
			}
			run.Price = &p
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}

// MarkRunsNotified flips every unnotified run of the job in one statement.
func (s *JobStore) MarkRunsNotified(ctx context.Context, jobID int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE job_runs SET notified = TRUE WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("mark runs notified: %w", err)
	}
	return nil
}

// AcquireLease opens a transaction and takes a row lock on the job,
// returning status and due time atomically with the lock.
func (s *JobStore) AcquireLease(ctx context.Context, jobID int64) (watch.JobLease, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}

	var (
		status watch.JobStatus
		due    time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT status, next_due FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status, &due)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, watch.ErrNotFound
		}
		return nil, fmt.Errorf("lock job %d: %w", jobID, err)
	}

	return &jobLease{id: jobID, status: status, due: due, tx: tx, clock: s.clock}, nil
}

type jobLease struct {
	id     int64
	status watch.JobStatus
	due    time.Time
	tx     pgx.Tx
	clock  watch.Clock
}

func (l *jobLease) Status() watch.JobStatus {
	return l.status
}

func (l *jobLease) Due() time.Time {
	return l.due
}

// CompleteSuccess records a succeeded run, advances next_due by the success
// backoff, and commits. All writes land together or not at all.
func (l *jobLease) CompleteSuccess(ctx context.Context, price decimal.Decimal, message string) error {
	now := l.clock.Now()
	if _, err := l.tx.Exec(ctx, `
		INSERT INTO job_runs (job_id, status, price, message, notified, created)
		VALUES ($1, $2, CAST($3 AS numeric), $4, FALSE, $5)`,
		l.id, watch.JobRunSucceeded, price.String(), message, now); err != nil {
		return fmt.Errorf("insert succeeded run: %w", err)
	}
	if _, err := l.tx.Exec(ctx,
		`UPDATE jobs SET next_due = $1 WHERE id = $2`, NextDueSuccess(now), l.id); err != nil {
		return fmt.Errorf("advance next due: %w", err)
	}
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job lease: %w", err)
	}
	return nil
}

// CompleteFailure records a failed run, advances next_due by the shorter
// retry backoff, and commits.
func (l *jobLease) CompleteFailure(ctx context.Context, message string) error {
	now := l.clock.Now()
	if _, err := l.tx.Exec(ctx, `
		INSERT INTO job_runs (job_id, status, message, notified, created)
		VALUES ($1, $2, $3, FALSE, $4)`,
		l.id, watch.JobRunFailed, message, now); err != nil {
		return fmt.Errorf("insert failed run: %w", err)
	}
	if _, err := l.tx.Exec(ctx,
		`UPDATE jobs SET next_due = $1 WHERE id = $2`, NextDueFailure(now), l.id); err != nil {
		return fmt.Errorf("advance next due: %w", err)
	}
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job lease: %w", err)
	}
	return nil
}

func (l *jobLease) Abandon(ctx context.Context) {
	_ = l.tx.Rollback(ctx)
}

// NextDueSuccess returns now + 3h..5h plus up to 25 minutes of jitter, so
// checks across jobs created at similar times never synchronize.
func NextDueSuccess(now time.Time) time.Time {
	return now.Add(3*time.Hour + rand.N(2*time.Hour) + rand.N(25*time.Minute))
}

// NextDueFailure returns now + 5m..25m, a bounded randomized retry backoff.
func NextDueFailure(now time.Time) time.Time {
	return now.Add(5*time.Minute + rand.N(20*time.Minute))
}

func scanJob(row pgx.Row) (watch.Job, error) {
	var (
		j        watch.Job
		priceStr *string
	)
	err := row.Scan(&j.ID, &j.DraftJobID, &j.URL, &j.UserID, &j.Selector, &j.XPath,
		&priceStr, &j.NextDue, &j.TokenID, &j.Status, &j.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.Job{}, watch.ErrNotFound
		}
		return watch.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if priceStr != nil {
		p, err := decimal.NewFromString(*priceStr)
		if err != nil {
			return watch.Job{}, fmt.Errorf("parse start price: %w", err)
		}
		j.StartPrice = &p
	}
	return j, nil
}

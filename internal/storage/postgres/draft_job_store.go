package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pricehound/internal/watch"
)

// DraftJobStore persists draft jobs and their append-only audit trail.
type DraftJobStore struct {
	db    DB
	clock watch.Clock
}

const draftJobColumns = `id, url, crawled_html, user_id, status, monitoring_token_id, created`

// Create inserts a new pending draft job together with its first log entry.
func (s *DraftJobStore) Create(ctx context.Context, url string, userID int64) (watch.DraftJob, error) {
	now := s.clock.Now()

	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO draft_jobs (url, user_id, status, created)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		url, userID, watch.DraftJobStatusPending, now,
	).Scan(&id)
	if err != nil {
		return watch.DraftJob{}, fmt.Errorf("insert draft job: %w", err)
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO draft_job_logs (draft_job_id, message, status, created)
		VALUES ($1, $2, $3, $4)`,
		id, fmt.Sprintf("Created for website %s by the user.", url), watch.DraftJobStatusPending, now,
	); err != nil {
		return watch.DraftJob{}, fmt.Errorf("insert draft job log: %w", err)
	}

	return watch.DraftJob{
		ID:      id,
		URL:     url,
		UserID:  userID,
		Status:  watch.DraftJobStatusPending,
		Created: now,
	}, nil
}

// GetByID loads one draft job.
func (s *DraftJobStore) GetByID(ctx context.Context, id int64) (watch.DraftJob, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+draftJobColumns+` FROM draft_jobs WHERE id = $1`, id)
	return scanDraftJob(row)
}

// GetByMonitoringToken resolves a draft job through its monitoring token
// value.
func (s *DraftJobStore) GetByMonitoringToken(ctx context.Context, token string) (watch.DraftJob, error) {
	row := s.db.QueryRow(ctx, `
		SELECT dj.id, dj.url, dj.crawled_html, dj.user_id, dj.status, dj.monitoring_token_id, dj.created
		FROM draft_jobs AS dj
		INNER JOIN tokens AS t ON t.id = dj.monitoring_token_id
		WHERE t.value = $1`, token)
	return scanDraftJob(row)
}

// ListPending returns all pending draft jobs, oldest first for fairness.
func (s *DraftJobStore) ListPending(ctx context.Context) ([]watch.DraftJob, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+draftJobColumns+` FROM draft_jobs WHERE status = $1 ORDER BY created ASC`,
		watch.DraftJobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending draft jobs: %w", err)
	}
	defer rows.Close()

	var jobs []watch.DraftJob
	for rows.Next() {
		job, err := scanDraftJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft jobs: %w", err)
	}
	return jobs, nil
}

// Logs returns a draft job's audit trail in insertion order.
func (s *DraftJobStore) Logs(ctx context.Context, draftJobID int64) ([]watch.DraftJobLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, draft_job_id, message, status, created
		FROM draft_job_logs WHERE draft_job_id = $1 ORDER BY created ASC`, draftJobID)
	if err != nil {
		return nil, fmt.Errorf("list draft job logs: %w", err)
	}
	defer rows.Close()

	var logs []watch.DraftJobLog
	for rows.Next() {
		var l watch.DraftJobLog
		if err := rows.Scan(&l.ID, &l.DraftJobID, &l.Message, &l.Status, &l.Created); err != nil {
			return nil, fmt.Errorf("scan draft job log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft job logs: %w", err)
	}
	return logs, nil
}

// SetMonitoringTokenID links a generated monitoring token to the draft job.
func (s *DraftJobStore) SetMonitoringTokenID(ctx context.Context, draftJobID, tokenID int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE draft_jobs SET monitoring_token_id = $1 WHERE id = $2`, tokenID, draftJobID); err != nil {
		return fmt.Errorf("set monitoring token: %w", err)
	}
	return nil
}

// AcquireLease opens a transaction and takes a row lock on the draft job,
// returning the persisted status atomically with the lock. A concurrent
// holder blocks the caller at the database level only.
func (s *DraftJobStore) AcquireLease(ctx context.Context, draftJobID int64) (watch.DraftJobLease, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}

	var status watch.DraftJobStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM draft_jobs WHERE id = $1 FOR UPDATE`, draftJobID).Scan(&status)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, watch.ErrNotFound
		}
		return nil, fmt.Errorf("lock draft job %d: %w", draftJobID, err)
	}

	return &draftJobLease{id: draftJobID, status: status, tx: tx, db: s.db, clock: s.clock}, nil
}

type draftJobLease struct {
	id     int64
	status watch.DraftJobStatus
	tx     pgx.Tx
	db     DB
	clock  watch.Clock
}

func (l *draftJobLease) Status() watch.DraftJobStatus {
	return l.status
}

func (l *draftJobLease) SetStatus(ctx context.Context, status watch.DraftJobStatus) error {
	if _, err := l.tx.Exec(ctx,
		`UPDATE draft_jobs SET status = $1 WHERE id = $2`, status, l.id); err != nil {
		return fmt.Errorf("set draft job status: %w", err)
	}
	return nil
}

func (l *draftJobLease) SetHTML(ctx context.Context, html string) error {
	if _, err := l.tx.Exec(ctx,
		`UPDATE draft_jobs SET crawled_html = $1 WHERE id = $2`, html, l.id); err != nil {
		return fmt.Errorf("set draft job html: %w", err)
	}
	return nil
}

// Log writes through the pool, not the lease transaction, so the trail is
// readable while the job is still being processed.
func (l *draftJobLease) Log(ctx context.Context, message string, status watch.DraftJobStatus) error {
	if _, err := l.db.Exec(ctx, `
		INSERT INTO draft_job_logs (draft_job_id, message, status, created)
		VALUES ($1, $2, $3, $4)`,
		l.id, message, status, l.clock.Now()); err != nil {
		return fmt.Errorf("append draft job log: %w", err)
	}
	return nil
}

func (l *draftJobLease) Commit(ctx context.Context) error {
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit draft job lease: %w", err)
	}
	return nil
}

func (l *draftJobLease) Abandon(ctx context.Context) {
	// Rollback after commit is a no-op; nothing useful to do with the error.
	_ = l.tx.Rollback(ctx)
}

func scanDraftJob(row pgx.Row) (watch.DraftJob, error) {
	var j watch.DraftJob
	err := row.Scan(&j.ID, &j.URL, &j.CrawledHTML, &j.UserID, &j.Status, &j.MonitoringTokenID, &j.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.DraftJob{}, watch.ErrNotFound
		}
		return watch.DraftJob{}, fmt.Errorf("scan draft job: %w", err)
	}
	return j, nil
}

// Package notify evaluates completed monitoring runs and emails users
// about meaningful price movement or persistent failures.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricehound/internal/metrics"
	"pricehound/internal/watch"
)

// Config controls Notifier behavior.
type Config struct {
	// Interval is how often a notification pass runs.
	Interval time.Duration
	// DailyQuota caps how many emails may be sent per UTC day.
	DailyQuota int
	// MinDelta is the smallest absolute price movement worth an email.
	MinDelta decimal.Decimal
	// FailureThreshold is how many consecutive unnotified failures
	// trigger a trouble alert.
	FailureThreshold int
	// SiteURL is the public base URL linked from email bodies.
	SiteURL string
}

// Notifier scans jobs with unnotified runs and applies the alert policy.
type Notifier struct {
	jobs   watch.Jobs
	users  watch.Users
	tokens watch.Tokens
	emails watch.Emails
	sender watch.EmailSender
	clock  watch.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Notifier.
func New(
	jobs watch.Jobs,
	users watch.Users,
	tokens watch.Tokens,
	emails watch.Emails,
	sender watch.EmailSender,
	clock watch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = 100
	}
	if cfg.MinDelta.IsZero() {
		cfg.MinDelta = decimal.New(1, 0)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	metrics.Init()
	return &Notifier{
		jobs:   jobs,
		users:  users,
		tokens: tokens,
		emails: emails,
		sender: sender,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, executing notification passes until the context finishes.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Pass(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error("notification pass failed", zap.Error(err))
			}
		}
	}
}

// Pass evaluates every job that has unnotified runs. It stops early
// when the daily email quota is exhausted so a burst of alerts cannot
// flood a mailbox.
func (n *Notifier) Pass(ctx context.Context) error {
	if ok, err := n.underQuota(ctx); err != nil {
		return err
	} else if !ok {
		n.logger.Warn("daily email quota exhausted, skipping pass")
		return nil
	}

	ids, err := n.jobs.IDsWithUnnotifiedRuns(ctx)
	if err != nil {
		return fmt.Errorf("list jobs with unnotified runs: %w", err)
	}

	for _, id := range ids {
		if ok, err := n.underQuota(ctx); err != nil {
			return err
		} else if !ok {
			n.logger.Warn("daily email quota exhausted mid-pass")
			return nil
		}
		if err := n.evaluateJob(ctx, id); err != nil {
			if ctx.Err() != nil {
				return err
			}
			n.logger.Error("evaluate job failed", zap.Int64("job_id", id), zap.Error(err))
		}
	}
	return nil
}

func (n *Notifier) underQuota(ctx context.Context) (bool, error) {
	sent, err := n.emails.SentToday(ctx, n.clock.Now())
	if err != nil {
		return false, fmt.Errorf("count emails sent today: %w", err)
	}
	return sent < n.cfg.DailyQuota, nil
}

func (n *Notifier) evaluateJob(ctx context.Context, jobID int64) error {
	job, err := n.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.StartPrice == nil {
		n.logger.Warn("job has no start price, skipping", zap.Int64("job_id", jobID))
		return nil
	}

	runs, err := n.jobs.RunsByJobID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	latest := runs[0]
	if latest.Status == watch.JobRunSucceeded {
		return n.evaluateSuccess(ctx, job, latest)
	}

	if FailureStreak(runs) < n.cfg.FailureThreshold {
		// Below the threshold the runs stay unnotified so the streak
		// can keep growing across passes.
		return nil
	}
	return n.sendFailureAlert(ctx, job)
}

func (n *Notifier) evaluateSuccess(ctx context.Context, job watch.Job, latest watch.JobRun) error {
	if latest.Price == nil {
		return n.jobs.MarkRunsNotified(ctx, job.ID)
	}
	delta := latest.Price.Sub(*job.StartPrice).Abs()
	if delta.LessThan(n.cfg.MinDelta) {
		// Nothing worth saying. Marking the runs notified also resets
		// any failure streak that preceded this success.
		return n.jobs.MarkRunsNotified(ctx, job.ID)
	}

	user, token, err := n.recipient(ctx, job)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("Price alert for %s", job.URL)
	body := fmt.Sprintf(
		"The price you are watching at %s moved from %s to %s.\n\nSee the full history: %s/jobs/%s\n",
		job.URL, job.StartPrice.StringFixed(2), latest.Price.StringFixed(2), n.cfg.SiteURL, token.Value,
	)

	result, err := n.sender.Send(ctx, user.Email, subject, body)
	if err != nil {
		return fmt.Errorf("send price alert: %w", err)
	}
	if result != watch.EmailSendSuccess {
		// Leave the runs unnotified so the next pass retries.
		n.logger.Warn("price alert not delivered",
			zap.Int64("job_id", job.ID), zap.String("result", result.String()))
		return nil
	}
	metrics.ObserveNotification("price_change")
	return n.jobs.MarkRunsNotified(ctx, job.ID)
}

func (n *Notifier) sendFailureAlert(ctx context.Context, job watch.Job) error {
	user, token, err := n.recipient(ctx, job)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("We are having trouble checking %s", job.URL)
	body := fmt.Sprintf(
		"Recent attempts to read the price at %s have failed. We will keep trying.\n\nSee the run history: %s/jobs/%s\n",
		job.URL, n.cfg.SiteURL, token.Value,
	)

	result, err := n.sender.Send(ctx, user.Email, subject, body)
	if err != nil {
		return fmt.Errorf("send failure alert: %w", err)
	}
	if result != watch.EmailSendSuccess {
		n.logger.Warn("failure alert not delivered",
			zap.Int64("job_id", job.ID), zap.String("result", result.String()))
		return nil
	}
	metrics.ObserveNotification("failure")
	// Marking the failed runs notified resets the streak, so the next
	// alert needs a fresh threshold of failures.
	return n.jobs.MarkRunsNotified(ctx, job.ID)
}

func (n *Notifier) recipient(ctx context.Context, job watch.Job) (watch.User, watch.Token, error) {
	user, err := n.users.GetByID(ctx, job.UserID)
	if err != nil {
		return watch.User{}, watch.Token{}, fmt.Errorf("load user: %w", err)
	}
	token, err := n.tokens.GetByID(ctx, job.TokenID)
	if err != nil {
		return watch.User{}, watch.Token{}, fmt.Errorf("load token: %w", err)
	}
	return user, token, nil
}

// FailureStreak counts consecutive failures from the newest run backwards.
// A success ends the streak. An already-notified failure zeroes it: the
// user has heard about that failure window, and only a success opens a
// new one.
func FailureStreak(runs []watch.JobRun) int {
	streak := 0
	for _, run := range runs {
		if run.Status != watch.JobRunFailed {
			break
		}
		if run.Notified {
			return 0
		}
		streak++
	}
	return streak
}

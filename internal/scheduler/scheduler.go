// Package scheduler drives the periodic dispatch of draft jobs and
// monitoring runs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricehound/internal/metrics"
	"pricehound/internal/watch"
)

// Config controls Scheduler behavior.
type Config struct {
	// Tick is the poll interval for due work.
	Tick time.Duration
	// MaxInFlight bounds how many jobs run concurrently across both
	// draft crawls and monitoring runs.
	MaxInFlight int
}

// Scheduler polls the store for runnable work and executes it under a
// concurrency ceiling. Work that does not fit in the current tick is
// left for a later one rather than queued in memory.
type Scheduler struct {
	drafts  watch.DraftJobs
	jobs    watch.Jobs
	crawler watch.Crawler
	clock   watch.Clock
	cfg     Config
	logger  *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Scheduler.
func New(
	drafts watch.DraftJobs,
	jobs watch.Jobs,
	crawler watch.Crawler,
	clock watch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	metrics.Init()
	return &Scheduler{
		drafts:  drafts,
		jobs:    jobs,
		crawler: crawler,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		slots:   make(chan struct{}, cfg.MaxInFlight),
	}
}

// Run blocks, polling for work until the context finishes. It returns
// only after every in-flight job has completed.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	drafts, err := s.drafts.ListPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list pending draft jobs failed", zap.Error(err))
		}
	} else {
		for _, draft := range drafts {
			draft := draft
			s.tryDispatch(ctx, func() { s.runDraftJob(ctx, draft) })
		}
	}

	due, err := s.jobs.ListDue(ctx, s.clock.Now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list due jobs failed", zap.Error(err))
		}
		return
	}
	for _, job := range due {
		job := job
		s.tryDispatch(ctx, func() { s.runJob(ctx, job) })
	}
}

// tryDispatch runs fn on its own goroutine if a concurrency slot is
// free, and otherwise drops the work. The next tick will pick it up
// again because nothing is marked done until a lease commits.
func (s *Scheduler) tryDispatch(ctx context.Context, fn func()) {
	if ctx.Err() != nil {
		return
	}
	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.Debug("dispatch skipped, all slots busy")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		fn()
	}()
}

func (s *Scheduler) runDraftJob(ctx context.Context, draft watch.DraftJob) {
	logger := s.logger.With(zap.Int64("draft_job_id", draft.ID), zap.String("url", draft.URL))

	lease, err := s.drafts.AcquireLease(ctx, draft.ID)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			logger.Warn("draft job vanished before lease")
			return
		}
		if ctx.Err() == nil {
			logger.Error("acquire draft job lease failed", zap.Error(err))
		}
		return
	}

	// Someone else got here first, or the job already finished.
	if lease.Status() != watch.DraftJobStatusPending {
		lease.Abandon(ctx)
		return
	}

	if err := s.crawlDraft(ctx, lease, draft); err != nil {
		if ctx.Err() == nil {
			logger.Error("draft job crawl failed", zap.Error(err))
		}
		metrics.ObserveDraftJob("failed")
		// Roll back so the draft stays pending and a later tick retries it.
		lease.Abandon(ctx)
		return
	}
	metrics.ObserveDraftJob("completed")
	logger.Info("draft job completed")
}

func (s *Scheduler) crawlDraft(ctx context.Context, lease watch.DraftJobLease, draft watch.DraftJob) error {
	if err := lease.Log(ctx, "Job is queued, it will run soon.", watch.DraftJobStatusQueued); err != nil {
		return err
	}
	if err := lease.SetStatus(ctx, watch.DraftJobStatusQueued); err != nil {
		return err
	}
	if err := lease.SetStatus(ctx, watch.DraftJobStatusProcessing); err != nil {
		return err
	}

	metrics.IncActiveFetches()
	start := time.Now()
	html, err := s.crawler.FetchPage(ctx, draft.URL, func(message string) {
		if logErr := lease.Log(ctx, message, watch.DraftJobStatusProcessing); logErr != nil {
			s.logger.Warn("append progress log failed", zap.Int64("draft_job_id", draft.ID), zap.Error(logErr))
		}
	})
	metrics.DecActiveFetches()
	metrics.ObserveFetchDuration(draft.URL, time.Since(start))
	if err != nil {
		return err
	}

	if err := lease.SetHTML(ctx, html); err != nil {
		return err
	}
	if err := lease.Log(ctx, "Job completed.", watch.DraftJobStatusCompleted); err != nil {
		return err
	}
	if err := lease.SetStatus(ctx, watch.DraftJobStatusCompleted); err != nil {
		return err
	}
	return lease.Commit(ctx)
}

func (s *Scheduler) runJob(ctx context.Context, job watch.Job) {
	logger := s.logger.With(zap.Int64("job_id", job.ID), zap.String("url", job.URL))

	lease, err := s.jobs.AcquireLease(ctx, job.ID)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			logger.Warn("job vanished before lease")
			return
		}
		if ctx.Err() == nil {
			logger.Error("acquire job lease failed", zap.Error(err))
		}
		return
	}

	// Only active jobs run, and only once their due time has passed.
	// A racing worker that committed first pushed next_due forward, so
	// the second check also defuses double execution.
	if lease.Status() != watch.JobStatusActive || lease.Due().After(s.clock.Now()) {
		lease.Abandon(ctx)
		return
	}

	metrics.IncActiveFetches()
	start := time.Now()
	result, err := s.crawler.FetchPrice(ctx, job.URL, job.XPath)
	metrics.DecActiveFetches()
	metrics.ObserveFetchDuration(job.URL, time.Since(start))
	if err != nil {
		// Browser-level trouble, not a verdict about the page. Leave
		// the run unrecorded and let the next tick retry.
		if ctx.Err() == nil {
			logger.Error("price fetch failed", zap.Error(err))
		}
		lease.Abandon(ctx)
		return
	}

	if result.OK {
		if err := lease.CompleteSuccess(ctx, result.Price, result.Log); err != nil {
			logger.Error("complete run failed", zap.Error(err))
			lease.Abandon(ctx)
			return
		}
		metrics.ObserveJobRun(string(watch.JobRunSucceeded))
		logger.Info("job run succeeded", zap.String("price", result.Price.String()))
		return
	}

	if err := lease.CompleteFailure(ctx, result.Log); err != nil {
		logger.Error("complete run failed", zap.Error(err))
		lease.Abandon(ctx)
		return
	}
	metrics.ObserveJobRun(string(watch.JobRunFailed))
	logger.Info("job run failed", zap.String("reason", result.Log))
}

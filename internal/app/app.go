// Package app initializes and holds the long-lived services of the
// watcher, acting as the dependency injection container for main.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricehound/internal/api"
	"pricehound/internal/browser"
	"pricehound/internal/clock/system"
	"pricehound/internal/config"
	"pricehound/internal/jobs"
	"pricehound/internal/metrics"
	"pricehound/internal/notify"
	"pricehound/internal/scheduler"
	"pricehound/internal/storage/postgres"
)

// App holds the wired services. Build it once at startup and hand the
// pieces to main for running.
type App struct {
	Store     *postgres.Store
	Browser   *browser.Pool
	Scheduler *scheduler.Scheduler
	Notifier  *notify.Notifier
	API       *api.Server

	logger *zap.Logger
}

// New builds every service from configuration. It fails fast: any
// dependency that cannot come up aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clock := system.New()

	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	}, clock)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := store.RunMigrations(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := browser.New(browser.Config{
		MaxSessions:       cfg.Browser.MaxSessions,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
	}, logger.Named("browser"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start browser pool: %w", err)
	}

	sched := scheduler.New(
		store.DraftJobs(),
		store.Jobs(),
		pool,
		clock,
		scheduler.Config{
			Tick:        time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
			MaxInFlight: cfg.Scheduler.MaxInFlight,
		},
		logger.Named("scheduler"),
	)

	minDelta, err := decimal.NewFromString(cfg.Notify.MinDelta)
	if err != nil {
		pool.Close()
		store.Close()
		return nil, fmt.Errorf("parse notify.min_delta: %w", err)
	}
	sender := notify.NewLogSender(store.Emails(), logger.Named("email"))
	notifier := notify.New(
		store.Jobs(),
		store.Users(),
		store.Tokens(),
		store.Emails(),
		sender,
		clock,
		notify.Config{
			Interval:         time.Duration(cfg.Notify.IntervalSeconds) * time.Second,
			DailyQuota:       cfg.Notify.DailyQuota,
			MinDelta:         minDelta,
			FailureThreshold: cfg.Notify.FailureThreshold,
			SiteURL:          cfg.Notify.SiteURL,
		},
		logger.Named("notify"),
	)

	creator := jobs.NewCreator(store.DraftJobs(), store.Jobs(), store.Tokens(), clock, logger.Named("jobs"))
	server := api.NewServer(store.DraftJobs(), store.Jobs(), store.Tokens(), creator, clock, logger.Named("api"))

	return &App{
		Store:     store,
		Browser:   pool,
		Scheduler: sched,
		Notifier:  notifier,
		API:       server,
		logger:    logger,
	}, nil
}

// Close releases held resources. Call it after the run loops stopped.
func (a *App) Close() {
	a.Browser.Close()
	a.Store.Close()
	// Best effort; stderr may be gone already.
	_ = a.logger.Sync()
}

package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the cadence of the periodic passes
type Config struct {
	ScheduleInterval    time.Duration
	SyncInterval        time.Duration
	ResetInterval       time.Duration
	RemediationInterval time.Duration

	// Concurrency bounds how many accounts a pass works on at once
	Concurrency int
}

// PassStats summarizes one pass over the accounts
type PassStats struct {
	Accounts int
	Failed   int
}

// Driver runs the engine's periodic passes
type Driver struct {
	engine *core.Engine
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a new driver
func New(engine *core.Engine, cfg Config, logger *zap.Logger) *Driver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Driver{engine: engine, cfg: cfg, logger: logger}
}

// Start launches one loop per pass. Each loop runs immediately, then on its ticker.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("driver already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, groupCtx := errgroup.WithContext(ctx)
	d.cancel = cancel
	d.group = g

	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"reset", d.cfg.ResetInterval, d.RunResetPass},
		{"schedule", d.cfg.ScheduleInterval, func(ctx context.Context) error { _, err := d.RunSchedulePass(ctx); return err }},
		{"sync", d.cfg.SyncInterval, func(ctx context.Context) error { _, err := d.RunSyncPass(ctx); return err }},
		{"remediation", d.cfg.RemediationInterval, func(ctx context.Context) error { _, err := d.RunRemediationPass(ctx); return err }},
	}
	for _, l := range loops {
		if l.interval <= 0 {
			d.logger.Warn("Pass disabled", zap.String("pass", l.name))
			continue
		}
		l := l
		g.Go(func() error {
			return d.loop(groupCtx, l.name, l.interval, l.run)
		})
	}

	d.logger.Info("Driver started",
		zap.Duration("schedule_interval", d.cfg.ScheduleInterval),
		zap.Duration("sync_interval", d.cfg.SyncInterval),
		zap.Duration("reset_interval", d.cfg.ResetInterval),
		zap.Duration("remediation_interval", d.cfg.RemediationInterval),
		zap.Int("concurrency", d.cfg.Concurrency))
	return nil
}

// Stop ends the loops, waits for running passes and drops pending delayed sends
func (d *Driver) Stop() error {
	d.mu.Lock()
	cancel, g := d.cancel, d.group
	d.cancel, d.group = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	d.engine.Shutdown()
	d.logger.Info("Driver stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Driver) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			// A failed pass is retried on the next tick
			d.logger.Error("Pass failed", zap.String("pass", name), zap.Error(err))
		}
		passDurationHist.WithLabelValues(name).Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunSchedulePass plans the day's remaining warmup sends of every running account
func (d *Driver) RunSchedulePass(ctx context.Context) (PassStats, error) {
	accounts, err := d.engine.Accounts.ListAccounts(ctx, core.AccountFilter{
		WarmupStatus: core.WarmupInProgress,
		ActiveOnly:   true,
	})
	if err != nil {
		return PassStats{}, fmt.Errorf("failed to list running accounts: %w", err)
	}

	return d.fanOut(ctx, "schedule", accounts, func(ctx context.Context, a *core.SenderAccount) error {
		res, err := d.engine.Scheduler.Schedule(ctx, a.ID)
		if err != nil {
			return err
		}
		if res.Skipped != "" {
			passAccountsCounter.WithLabelValues("schedule", "skipped").Inc()
		}
		warmupScheduledCounter.Add(float64(res.Scheduled))
		return nil
	}), nil
}

// RunSyncPass pulls new mail for every active account
func (d *Driver) RunSyncPass(ctx context.Context) (PassStats, error) {
	accounts, err := d.engine.Accounts.ListAccounts(ctx, core.AccountFilter{ActiveOnly: true})
	if err != nil {
		return PassStats{}, fmt.Errorf("failed to list active accounts: %w", err)
	}

	return d.fanOut(ctx, "sync", accounts, func(ctx context.Context, a *core.SenderAccount) error {
		res, err := d.engine.Sync.Sync(ctx, a.ID)
		if err != nil {
			return err
		}
		if res.Skipped {
			passAccountsCounter.WithLabelValues("sync", "skipped").Inc()
			return nil
		}
		inboundProcessedCounter.WithLabelValues("reply").Add(float64(res.RepliesFound))
		inboundProcessedCounter.WithLabelValues("bounce").Add(float64(res.BouncesFound))
		inboundProcessedCounter.WithLabelValues("warmup").Add(float64(res.WarmupOpened))
		inboundProcessedCounter.WithLabelValues("spam-placement").Add(float64(res.SpamPlacements))
		inboundProcessedCounter.WithLabelValues("unclassified").Add(float64(res.Unclassified))
		return nil
	}), nil
}

// RunResetPass zeroes the daily counters once the day has changed
func (d *Driver) RunResetPass(ctx context.Context) error {
	n, err := d.engine.ResetDailyCounters(ctx)
	if err != nil {
		return err
	}
	countersResetCounter.Add(float64(n))
	return nil
}

// RunRemediationPass pauses running accounts with a high spam rate
func (d *Driver) RunRemediationPass(ctx context.Context) (*core.RemediationReport, error) {
	report, err := d.engine.Remediator.Run(ctx)
	if err != nil {
		return nil, err
	}
	autoPausedCounter.Add(float64(len(report.Paused)))
	passAccountsCounter.WithLabelValues("remediation", "ok").Add(float64(report.Evaluated - report.Failed))
	passAccountsCounter.WithLabelValues("remediation", "error").Add(float64(report.Failed))
	return report, nil
}

// fanOut runs fn for each account with bounded concurrency. A failing
// account is logged and counted; it never stops the others.
func (d *Driver) fanOut(ctx context.Context, pass string, accounts []*core.SenderAccount, fn func(context.Context, *core.SenderAccount) error) PassStats {
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for _, a := range accounts {
		a := a
		g.Go(func() error {
			if err := fn(gctx, a); err != nil {
				failed.Add(1)
				passAccountsCounter.WithLabelValues(pass, "error").Inc()
				d.logger.Warn("Account pass failed",
					zap.String("pass", pass),
					zap.String("account_id", a.ID),
					zap.Error(err))
				return nil
			}
			passAccountsCounter.WithLabelValues(pass, "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	stats := PassStats{Accounts: len(accounts), Failed: int(failed.Load())}
	if stats.Accounts > 0 {
		d.logger.Debug("Pass finished",
			zap.String("pass", pass),
			zap.Int("accounts", stats.Accounts),
			zap.Int("failed", stats.Failed))
	}
	return stats
}

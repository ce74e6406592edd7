// Package reconcile keeps the live conversation model converged on the
// backend's canonical turn log. The live stream is best-effort; this loop
// periodically re-fetches the authoritative log and replaces the turn list
// wholesale.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/strandlabs/strand/internal/bus"
	"github.com/strandlabs/strand/internal/conversation"
	"github.com/strandlabs/strand/internal/history"
	otelx "github.com/strandlabs/strand/internal/otel"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the reconciliation loop.
type Config struct {
	ProjectID string
	Store     *conversation.Store
	Fetcher   history.Fetcher
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelx.Metrics

	// CronExpr schedules periodic passes, e.g. "*/5 * * * *". Empty disables
	// the periodic schedule; event-driven triggers still run.
	CronExpr string

	// Debounce coalesces bursts of activity notifications into one pass.
	// Defaults to 2s.
	Debounce time.Duration

	// FetchLimit caps turns per fetch. Zero uses the history default.
	FetchLimit int
}

// Loop triggers reconciliation passes from three sources: activity
// notifications (debounced), turn finalization, and an optional cron
// schedule. Manual passes run through Refresh.
type Loop struct {
	cfg    Config
	logger *slog.Logger

	refreshCh chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a reconciliation loop.
func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	return &Loop{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "reconcile", "project_id", cfg.ProjectID),
		refreshCh: make(chan struct{}, 1),
	}
}

// Start begins the loop in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("reconcile loop started", "cron", l.cfg.CronExpr, "debounce", l.cfg.Debounce)
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("reconcile loop stopped")
}

// Refresh requests an immediate pass. Non-blocking; a pass already pending
// absorbs the request.
func (l *Loop) Refresh() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	var activityCh, finalizedCh <-chan bus.Event
	if l.cfg.Bus != nil {
		activitySub := l.cfg.Bus.Subscribe(bus.TopicActivityBatch)
		finalizedSub := l.cfg.Bus.Subscribe(bus.TopicTurnFinalized)
		defer l.cfg.Bus.Unsubscribe(activitySub)
		defer l.cfg.Bus.Unsubscribe(finalizedSub)
		activityCh = activitySub.Ch()
		finalizedCh = finalizedSub.Ch()
	}

	var debounce <-chan time.Time
	cronCh := l.nextCronFire(time.Now())

	for {
		select {
		case <-ctx.Done():
			return

		case <-activityCh:
			// Re-arm on every notification so a burst yields one pass.
			debounce = time.After(l.cfg.Debounce)

		case <-finalizedCh:
			// A finalized turn is the natural convergence point; no
			// debounce, the canonical log has it now.
			l.reconcile(ctx)

		case <-debounce:
			debounce = nil
			l.reconcile(ctx)

		case <-cronCh:
			l.reconcile(ctx)
			cronCh = l.nextCronFire(time.Now())

		case <-l.refreshCh:
			l.reconcile(ctx)
		}
	}
}

// nextCronFire returns a channel firing at the schedule's next occurrence,
// or nil when no schedule is configured.
func (l *Loop) nextCronFire(after time.Time) <-chan time.Time {
	if l.cfg.CronExpr == "" {
		return nil
	}
	sched, err := cronParser.Parse(l.cfg.CronExpr)
	if err != nil {
		l.logger.Error("invalid cron expression, periodic reconcile disabled", "cron", l.cfg.CronExpr, "error", err)
		return nil
	}
	return time.After(time.Until(sched.Next(after)))
}

// reconcile runs one pass: fetch the canonical log, replace the turn list.
// A fetch failure leaves the current model untouched.
func (l *Loop) reconcile(ctx context.Context) {
	start := time.Now()
	turns, err := l.cfg.Fetcher.FetchTurns(ctx, l.cfg.ProjectID, l.cfg.Store.ResumeSessionID(), l.cfg.FetchLimit)
	if err != nil {
		l.logger.Warn("history fetch failed, model unchanged", "error", err)
		if m := l.cfg.Metrics; m != nil && m.HistoryFetchErrors != nil {
			m.HistoryFetchErrors.Add(ctx, 1)
		}
		return
	}

	l.cfg.Store.ReplaceTurns(turns)

	elapsed := time.Since(start)
	l.logger.Debug("reconciled", "turns", len(turns), "elapsed", elapsed)
	if m := l.cfg.Metrics; m != nil {
		if m.ReconcileDuration != nil {
			m.ReconcileDuration.Record(ctx, elapsed.Seconds())
		}
		if m.ReconcileReplaces != nil {
			m.ReconcileReplaces.Add(ctx, 1)
		}
	}
}

// Package dispatch is the delivery core. RunOnce executes one full pass
// for a schedule under its distributed lock: refresh, reconcile, enqueue,
// gate on the delivery mode, then claim and send pending rows with
// retry classification and pacing.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"feedcast/internal/calendar"
	"feedcast/internal/content"
	"feedcast/internal/observability/metrics"
	"feedcast/internal/services/lock"
	"feedcast/internal/services/pacing"
	"feedcast/internal/services/queue"
	"feedcast/internal/storage"
	"feedcast/internal/transport"
	logx "feedcast/pkg/logx"
)

// Config tunes one engine. Zero values take the defaults below.
type Config struct {
	// MaxRetries is the attempt ceiling for retryable send failures. A row
	// fails permanently when its retry count reaches this value.
	MaxRetries int
	// MaxPendingAge force-skips pending rows older than this before sends.
	MaxPendingAge time.Duration
	// BatchGrace is the half-width of the window around each configured
	// batch time in which a batched schedule may dispatch.
	BatchGrace time.Duration
	// OverdueGrace admits a batched or cron run whose persisted next-run
	// moment has passed by at most this much. Capped at OverdueGraceMax.
	OverdueGrace time.Duration
	// MissingLookback bounds the recent-missing reconciliation re-scan.
	MissingLookback time.Duration
	// CorrectionWindow bounds how long after sending an edited source item
	// is considered for reconciliation at all.
	CorrectionWindow time.Duration
	// EditWindow bounds in-place edits; it nests inside CorrectionWindow.
	EditWindow time.Duration
	// ConfirmTimeout bounds the post-send delivery confirmation check.
	ConfirmTimeout time.Duration
}

const (
	defaultMaxRetries       = 3
	defaultMaxPendingAge    = 24 * time.Hour
	defaultBatchGrace       = 8 * time.Minute
	defaultOverdueGrace     = 20 * time.Minute
	defaultMissingLookback  = 6 * time.Hour
	defaultCorrectionWindow = time.Hour
	defaultEditWindow       = 15 * time.Minute
	defaultConfirmTimeout   = 10 * time.Second

	// OverdueGraceMax bounds how stale a persisted next-run moment may be
	// and still dispatch. Anything older skips and recomputes.
	OverdueGraceMax = 180 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxPendingAge <= 0 {
		c.MaxPendingAge = defaultMaxPendingAge
	}
	if c.BatchGrace <= 0 {
		c.BatchGrace = defaultBatchGrace
	}
	if c.OverdueGrace <= 0 {
		c.OverdueGrace = defaultOverdueGrace
	}
	if c.OverdueGrace > OverdueGraceMax {
		c.OverdueGrace = OverdueGraceMax
	}
	if c.MissingLookback <= 0 {
		c.MissingLookback = defaultMissingLookback
	}
	if c.CorrectionWindow <= 0 {
		c.CorrectionWindow = defaultCorrectionWindow
	}
	if c.EditWindow <= 0 {
		c.EditWindow = defaultEditWindow
	}
	if c.EditWindow > c.CorrectionWindow {
		c.EditWindow = c.CorrectionWindow
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	return c
}

// Run outcomes. Lock contention and window misses are normal skips, never
// errors.
const (
	OutcomeDispatched    = "dispatched"
	OutcomeLockHeld      = "skipped: lock held"
	OutcomeInactive      = "skipped: schedule inactive"
	OutcomeWaiting       = "waiting for next window"
	OutcomeQueuedNotSent = "queued but not sent"
	OutcomeNoManualRows  = "no manually queued rows"
)

// Report summarizes one RunOnce pass.
type Report struct {
	ScheduleID int64
	Trigger    string
	Outcome    string
	Detail     string

	Queued   int64
	Sent     int
	Requeued int
	Failed   int
	Skipped  int
	Expired  int64
	Edited   int
}

// Engine dispatches one schedule at a time, cross-instance safe through
// the lock service.
type Engine struct {
	cfg       Config
	store     *storage.Store
	queue     *queue.Service
	locks     *lock.Service
	pacer     *pacing.Controller
	adapter   transport.Adapter
	refresher content.Refresher // nil: sources are refreshed elsewhere
	blackout  calendar.Blackout
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, store *storage.Store, qs *queue.Service, locks *lock.Service,
	pacer *pacing.Controller, adapter transport.Adapter, refresher content.Refresher,
	blackout calendar.Blackout, log logx.Logger) *Engine {
	if blackout == nil {
		blackout = calendar.None{}
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		store:     store,
		queue:     qs,
		locks:     locks,
		pacer:     pacer,
		adapter:   adapter,
		refresher: refresher,
		blackout:  blackout,
		log:       log.With(logx.String("comp", "dispatch")),
		now:       time.Now,
	}
}

// RunOnce executes one dispatch pass for a schedule. All orchestrator
// triggers (immediate, cron, batch, sweep) funnel through here, so
// concurrent triggers are safe by construction.
func (e *Engine) RunOnce(ctx context.Context, scheduleID int64, trigger string) (Report, error) {
	rep := Report{ScheduleID: scheduleID, Trigger: trigger}

	resource := lock.ScheduleResource(scheduleID)
	ok, err := e.locks.Acquire(ctx, resource)
	if err != nil {
		metrics.DispatchRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	if !ok {
		rep.Outcome = OutcomeLockHeld
		metrics.DispatchRuns.WithLabelValues("lock_held").Inc()
		return rep, nil
	}
	defer e.locks.Release(ctx, resource)

	err = e.runLocked(ctx, &rep)
	switch {
	case err != nil:
		metrics.DispatchRuns.WithLabelValues("error").Inc()
	case rep.Outcome == OutcomeDispatched:
		metrics.DispatchRuns.WithLabelValues("dispatched").Inc()
	case rep.Outcome == OutcomeWaiting:
		metrics.DispatchRuns.WithLabelValues("waiting").Inc()
	default:
		metrics.DispatchRuns.WithLabelValues("skipped").Inc()
	}
	if err == nil {
		e.log.Info("dispatch pass done",
			logx.Int64("schedule", rep.ScheduleID),
			logx.String("trigger", rep.Trigger),
			logx.String("outcome", rep.Outcome),
			logx.Int64("queued", rep.Queued),
			logx.Int("sent", rep.Sent),
			logx.Int("requeued", rep.Requeued),
			logx.Int("failed", rep.Failed))
	}
	return rep, err
}

func (e *Engine) runLocked(ctx context.Context, rep *Report) error {
	sc, err := e.store.GetSchedule(ctx, rep.ScheduleID)
	if err != nil {
		return fmt.Errorf("load schedule %d: %w", rep.ScheduleID, err)
	}
	if !sc.Active {
		rep.Outcome = OutcomeInactive
		return nil
	}

	recipients, err := e.store.ScheduleRecipients(ctx, sc.ID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}

	now := e.now()

	if sc.SourceID == 0 {
		// No content lookups possible; only manually queued rows can exist.
		pending, err := e.store.CountPendingEntries(ctx, sc.ID)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		if pending == 0 {
			rep.Outcome = OutcomeNoManualRows
			return nil
		}
	} else {
		if e.refresher != nil {
			e.refreshAndReconcile(ctx, rep, sc, recipients, now)
		}
		if err := e.enqueue(ctx, rep, sc, recipients); err != nil {
			return err
		}
	}

	if proceed, reason := e.gate(ctx, sc, now); !proceed {
		rep.Outcome = OutcomeWaiting
		rep.Detail = reason
		return nil
	}

	if st := e.adapter.Status(ctx); !st.Connected {
		rep.Outcome = OutcomeQueuedNotSent
		rep.Detail = "transport unavailable: " + st.Detail
		return nil
	}
	if suppressed, reason := e.blackout.Suppressed(now); suppressed {
		rep.Outcome = OutcomeQueuedNotSent
		rep.Detail = "blackout: " + reason
		return nil
	}

	expired, err := e.store.ExpireStaleEntries(ctx, sc.ID, now.Add(-e.cfg.MaxPendingAge))
	if err != nil {
		return fmt.Errorf("expire stale: %w", err)
	}
	rep.Expired = expired

	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.processRecipient(ctx, rep, sc, r)
	}

	if err := e.store.UpdateScheduleRun(ctx, sc.ID, now, e.nextRun(sc, now)); err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	rep.Outcome = OutcomeDispatched
	return nil
}

// enqueue picks the strategy from schedule state and persists the advanced
// cursor immediately, so a later gate skip never causes a re-scan.
func (e *Engine) enqueue(ctx context.Context, rep *Report, sc storage.Schedule, recipients []storage.Recipient) error {
	if !sc.HasRun() {
		res, err := e.queue.Latest(ctx, sc, recipients)
		if err != nil {
			return fmt.Errorf("enqueue latest: %w", err)
		}
		rep.Queued += res.Inserted
		metrics.Enqueued.WithLabelValues("latest").Add(float64(res.Inserted))
		return e.advanceCursor(ctx, sc.ID, res)
	}

	res, err := e.queue.SinceCursor(ctx, sc, recipients)
	if err != nil {
		return fmt.Errorf("enqueue since cursor: %w", err)
	}
	rep.Queued += res.Inserted
	metrics.Enqueued.WithLabelValues("cursor").Add(float64(res.Inserted))
	if err := e.advanceCursor(ctx, sc.ID, res); err != nil {
		return err
	}

	mres, err := e.queue.RecentMissing(ctx, sc, recipients, e.cfg.MissingLookback)
	if err != nil {
		return fmt.Errorf("enqueue recent missing: %w", err)
	}
	rep.Queued += mres.Inserted
	metrics.Enqueued.WithLabelValues("missing").Add(float64(mres.Inserted))
	return nil
}

func (e *Engine) advanceCursor(ctx context.Context, scheduleID int64, res queue.Result) error {
	if res.CursorID == 0 {
		return nil
	}
	if err := e.store.AdvanceScheduleCursor(ctx, scheduleID, res.CursorAt, res.CursorID); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

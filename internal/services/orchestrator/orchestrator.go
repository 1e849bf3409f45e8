// Package orchestrator is the always-on control loop. One cron runner
// holds every trigger: a refresh entry per content source, a cron or
// batch-time entry per schedule, and a catch-up sweep that re-attempts
// schedules with unsent rows. All triggers funnel into the dispatch
// engine's lock-protected run-once, so overlapping triggers are safe.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedcast/internal/observability/metrics"
	"feedcast/internal/services/dispatch"
	"feedcast/internal/storage"
	logx "feedcast/pkg/logx"
)

// Config tunes the control loop.
type Config struct {
	// SweepInterval is how often the catch-up sweep re-attempts schedules
	// with pending rows.
	SweepInterval time.Duration
	// StuckAfter is the processing age after which a claimed row is
	// considered abandoned by a dead worker and returned to pending.
	StuckAfter time.Duration
	// PruneAfter is the terminal-row retention period.
	PruneAfter time.Duration
	// RetryFloor is the soonest a failed source pass may be retried.
	RetryFloor time.Duration
	// DefaultRefresh is used for sources with no interval configured.
	DefaultRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 15 * time.Minute
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 30 * 24 * time.Hour
	}
	if c.RetryFloor <= 0 {
		c.RetryFloor = time.Minute
	}
	if c.DefaultRefresh <= 0 {
		c.DefaultRefresh = 10 * time.Minute
	}
	return c
}

// Orchestrator owns the cron runner and the trigger plumbing.
type Orchestrator struct {
	cfg    Config
	store  *storage.Store
	engine *dispatch.Engine
	log    logx.Logger

	parser cron.Parser
	c      *cron.Cron

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	inflight map[int64]bool // per-source coalescing guard
	retries  map[int64]*time.Timer
	started  bool
}

func New(cfg Config, store *storage.Store, engine *dispatch.Engine, log logx.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		engine:   engine,
		log:      log.With(logx.String("comp", "orchestrator")),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		inflight: map[int64]bool{},
		retries:  map[int64]*time.Timer{},
	}
}

// Start loads active sources and schedules, registers their entries, and
// starts the runner. Call Reload after changing either set.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.c = cron.New(cron.WithParser(o.parser))
	if err := o.registerLocked(o.ctx); err != nil {
		o.cancel()
		return err
	}
	o.c.Start()
	o.started = true
	o.log.Info("orchestrator started")
	return nil
}

// Stop halts triggers and waits for in-flight jobs to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	for _, t := range o.retries {
		t.Stop()
	}
	o.retries = map[int64]*time.Timer{}
	o.cancel()
	stopCtx := o.c.Stop()
	o.mu.Unlock()

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload rebuilds all entries from the store, picking up added, removed,
// or edited sources and schedules.
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	old := o.c
	o.c = cron.New(cron.WithParser(o.parser))
	if err := o.registerLocked(o.ctx); err != nil {
		o.c = old
		o.mu.Unlock()
		return err
	}
	o.c.Start()
	o.mu.Unlock()

	// Drain the old runner outside the mutex: an in-flight source pass
	// needs it for the coalescing guard, so waiting under it deadlocks.
	select {
	case <-old.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	o.log.Info("orchestrator reloaded")
	return nil
}

// registerLocked adds one entry per source, per schedule trigger, and the
// sweep. Caller holds mu.
func (o *Orchestrator) registerLocked(ctx context.Context) error {
	sources, err := o.store.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	for _, src := range sources {
		src := src
		every := src.RefreshInterval
		if every <= 0 {
			every = o.cfg.DefaultRefresh
		}
		spec := "@every " + every.String()
		if _, err := o.c.AddFunc(spec, func() { o.refreshSource(ctx, src.ID) }); err != nil {
			return fmt.Errorf("source %d (%s): %w", src.ID, spec, err)
		}
	}

	schedules, err := o.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sc := range schedules {
		if err := o.addScheduleLocked(ctx, sc); err != nil {
			return err
		}
	}

	if _, err := o.c.AddFunc("@every "+o.cfg.SweepInterval.String(), func() { o.sweep(ctx) }); err != nil {
		return fmt.Errorf("sweep entry: %w", err)
	}
	o.log.Info("triggers registered",
		logx.Int("sources", len(sources)),
		logx.Int("schedules", len(schedules)))
	return nil
}

func (o *Orchestrator) addScheduleLocked(ctx context.Context, sc storage.Schedule) error {
	switch sc.DeliveryMode {
	case storage.ModeCron:
		if sc.CronExpr == "" {
			o.log.Warn("cron schedule without expression", logx.Int64("schedule", sc.ID))
			return nil
		}
		spec := withTimezone(sc.CronExpr, sc.Timezone)
		if _, err := o.c.AddFunc(spec, func() { o.trigger(ctx, sc.ID, "cron") }); err != nil {
			return fmt.Errorf("schedule %d (%s): %w", sc.ID, spec, err)
		}
	case storage.ModeBatched:
		for _, bt := range sc.BatchTimes {
			spec, err := batchSpec(bt, sc.Timezone)
			if err != nil {
				o.log.Warn("bad batch time",
					logx.Int64("schedule", sc.ID),
					logx.String("time", bt), logx.Err(err))
				continue
			}
			if _, err := o.c.AddFunc(spec, func() { o.trigger(ctx, sc.ID, "batch") }); err != nil {
				return fmt.Errorf("schedule %d (%s): %w", sc.ID, spec, err)
			}
		}
	case storage.ModeImmediate:
		// Driven by source refreshes and the sweep; no timer of its own.
	}
	return nil
}

// refreshSource runs every schedule attached to a source. The engine
// refreshes the source itself at the start of each pass, so new content
// reaches immediate schedules right here. Overlapping timers for the same
// source coalesce into a no-op.
func (o *Orchestrator) refreshSource(ctx context.Context, sourceID int64) {
	o.mu.Lock()
	if o.inflight[sourceID] {
		o.mu.Unlock()
		o.log.Debug("source pass already running", logx.Int64("source", sourceID))
		return
	}
	o.inflight[sourceID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inflight[sourceID] = false
		o.mu.Unlock()
	}()

	schedules, err := o.store.SchedulesForSource(ctx, sourceID)
	if err != nil {
		o.log.Error("list schedules for source failed",
			logx.Int64("source", sourceID), logx.Err(err))
		return
	}
	failed := false
	for _, sc := range schedules {
		if ctx.Err() != nil {
			return
		}
		if _, err := o.engine.RunOnce(ctx, sc.ID, "source"); err != nil {
			failed = true
			o.log.Error("source-triggered dispatch failed",
				logx.Int64("source", sourceID),
				logx.Int64("schedule", sc.ID), logx.Err(err))
		}
	}
	if failed {
		o.scheduleRetry(ctx, sourceID)
	}
}

// scheduleRetry arms a one-shot earlier retry for a failed source pass,
// never below the configured floor.
func (o *Orchestrator) scheduleRetry(ctx context.Context, sourceID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	if t, ok := o.retries[sourceID]; ok {
		t.Stop()
	}
	o.retries[sourceID] = time.AfterFunc(o.cfg.RetryFloor, func() {
		o.mu.Lock()
		delete(o.retries, sourceID)
		started := o.started
		o.mu.Unlock()
		if started && ctx.Err() == nil {
			o.refreshSource(ctx, sourceID)
		}
	})
}

// trigger runs one schedule. Errors are logged and isolated; a failing
// schedule never takes the process down.
func (o *Orchestrator) trigger(ctx context.Context, scheduleID int64, kind string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := o.engine.RunOnce(ctx, scheduleID, kind); err != nil {
		o.log.Error("dispatch failed",
			logx.Int64("schedule", scheduleID),
			logx.String("trigger", kind), logx.Err(err))
	}
}

// sweep is the convergence pass: revive rows abandoned in processing,
// re-attempt every schedule with pending work, refresh the queue-depth
// gauge, and do storage hygiene.
func (o *Orchestrator) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if n, err := o.store.ReapStuckEntries(ctx, time.Now().Add(-o.cfg.StuckAfter)); err != nil {
		o.log.Error("reap stuck entries failed", logx.Err(err))
	} else if n > 0 {
		o.log.Warn("reaped stuck entries", logx.Int64("count", n))
	}

	ids, err := o.store.ScheduleIDsWithPending(ctx)
	if err != nil {
		o.log.Error("list pending schedules failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		o.trigger(ctx, id, "sweep")
	}

	if depth, err := o.store.CountPendingEntries(ctx, 0); err == nil {
		metrics.PendingDepth.Set(float64(depth))
	}
	if _, err := o.store.CleanupStaleLocks(ctx); err != nil {
		o.log.Warn("lock cleanup failed", logx.Err(err))
	}
	if n, err := o.store.PruneTerminalEntries(ctx, time.Now().Add(-o.cfg.PruneAfter)); err != nil {
		o.log.Warn("prune failed", logx.Err(err))
	} else if n > 0 {
		o.log.Info("pruned terminal entries", logx.Int64("count", n))
	}
}

// TriggerSchedule runs one schedule out of band, for manual enqueue flows
// and operator tooling.
func (o *Orchestrator) TriggerSchedule(ctx context.Context, scheduleID int64) (dispatch.Report, error) {
	return o.engine.RunOnce(ctx, scheduleID, "manual")
}

// batchSpec converts a daily "HH:MM" into a cron spec in the schedule's
// timezone.
func batchSpec(hhmm, tz string) (string, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("want HH:MM, got %q", hhmm)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("want HH:MM, got %q", hhmm)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("out of range: %q", hhmm)
	}
	return withTimezone(fmt.Sprintf("%d %d * * *", mm, hh), tz), nil
}

// withTimezone prefixes a spec with CRON_TZ unless it already carries one.
func withTimezone(spec, tz string) string {
	if tz == "" || strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return spec
	}
	return "CRON_TZ=" + tz + " " + spec
}

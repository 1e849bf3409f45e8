package dispatch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"feedcast/internal/storage"
	logx "feedcast/pkg/logx"
)

// cronParser accepts standard five-field expressions plus descriptors like
// @hourly, with an optional CRON_TZ= prefix.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// gate decides whether "now" is a valid dispatch moment for the schedule's
// delivery mode. On a skip it repairs a stale or misaligned next-run moment
// so the next trigger lands on a valid one.
func (e *Engine) gate(ctx context.Context, sc storage.Schedule, now time.Time) (bool, string) {
	switch sc.DeliveryMode {
	case storage.ModeImmediate, "":
		return true, ""
	case storage.ModeBatched:
		return e.gateBatched(ctx, sc, now)
	case storage.ModeCron:
		return e.gateCron(ctx, sc, now)
	default:
		return false, "unknown delivery mode " + sc.DeliveryMode
	}
}

func (e *Engine) gateBatched(ctx context.Context, sc storage.Schedule, now time.Time) (bool, string) {
	loc := e.location(sc)

	// Within the grace window of a configured daily time, and not already
	// run inside this same window.
	if m, ok := nearestBatchMoment(sc.BatchTimes, now, loc, e.cfg.BatchGrace); ok {
		if sc.LastRunAt.Before(m.Add(-e.cfg.BatchGrace)) {
			return true, ""
		}
		return false, "already dispatched this window"
	}

	// Overdue persisted next-run, bounded and aligned to a batch time.
	// Alignment protects against dispatching at an arbitrary stale moment.
	if !sc.NextRunAt.IsZero() && now.After(sc.NextRunAt) {
		overdue := now.Sub(sc.NextRunAt)
		if overdue <= e.cfg.OverdueGrace && alignedToBatchTime(sc.BatchTimes, sc.NextRunAt, loc) {
			return true, ""
		}
	}

	// Skip; repair the next-run moment when it is stale or misaligned.
	next := nextBatchMoment(sc.BatchTimes, now, loc)
	if !next.IsZero() && !next.Equal(sc.NextRunAt) {
		e.repairNextRun(ctx, sc.ID, next)
	}
	return false, "waiting for next batch window"
}

func (e *Engine) gateCron(ctx context.Context, sc storage.Schedule, now time.Time) (bool, string) {
	// First run: nothing persisted yet, let it through.
	if sc.NextRunAt.IsZero() {
		return true, ""
	}
	if now.Before(sc.NextRunAt) {
		return false, "waiting for next cron moment"
	}
	if now.Sub(sc.NextRunAt) <= e.cfg.OverdueGrace {
		return true, ""
	}
	// Too stale to trust; recompute and wait for the fresh moment.
	if next := e.nextCronRun(sc, now); !next.IsZero() {
		e.repairNextRun(ctx, sc.ID, next)
	}
	return false, "cron moment too stale"
}

// repairNextRun persists a recomputed next-run moment. Best effort: a
// failed write only delays the repair to the next trigger.
func (e *Engine) repairNextRun(ctx context.Context, scheduleID int64, next time.Time) {
	if err := e.store.UpdateScheduleNextRun(ctx, scheduleID, next); err != nil {
		e.log.Warn("next-run repair failed",
			logx.Int64("schedule", scheduleID), logx.Err(err))
	}
}

// nextRun recomputes next_run_at after a completed pass.
func (e *Engine) nextRun(sc storage.Schedule, now time.Time) time.Time {
	switch sc.DeliveryMode {
	case storage.ModeBatched:
		return nextBatchMoment(sc.BatchTimes, now, e.location(sc))
	case storage.ModeCron:
		return e.nextCronRun(sc, now)
	default:
		return time.Time{}
	}
}

func (e *Engine) nextCronRun(sc storage.Schedule, now time.Time) time.Time {
	if sc.CronExpr == "" {
		return time.Time{}
	}
	sched, err := cronParser.Parse(sc.CronExpr)
	if err != nil {
		e.log.Warn("bad cron expression",
			logx.Int64("schedule", sc.ID),
			logx.String("expr", sc.CronExpr), logx.Err(err))
		return time.Time{}
	}
	return sched.Next(now.In(e.location(sc)))
}

func (e *Engine) location(sc storage.Schedule) *time.Location {
	if sc.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		e.log.Warn("bad schedule timezone",
			logx.Int64("schedule", sc.ID),
			logx.String("tz", sc.Timezone), logx.Err(err))
		return time.UTC
	}
	return loc
}

// nearestBatchMoment finds a configured daily time within grace of now,
// checking yesterday and tomorrow too so windows straddling midnight work.
func nearestBatchMoment(times []string, now time.Time, loc *time.Location, grace time.Duration) (time.Time, bool) {
	local := now.In(loc)
	for _, bt := range times {
		hh, mm, ok := parseHHMM(bt)
		if !ok {
			continue
		}
		for _, day := range []int{-1, 0, 1} {
			m := time.Date(local.Year(), local.Month(), local.Day()+day, hh, mm, 0, 0, loc)
			d := local.Sub(m)
			if d < 0 {
				d = -d
			}
			if d <= grace {
				return m, true
			}
		}
	}
	return time.Time{}, false
}

// nextBatchMoment returns the earliest configured daily time strictly
// after now, or zero when no times parse.
func nextBatchMoment(times []string, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	var best time.Time
	for _, bt := range times {
		hh, mm, ok := parseHHMM(bt)
		if !ok {
			continue
		}
		m := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
		if !m.After(local) {
			m = m.AddDate(0, 0, 1)
		}
		if best.IsZero() || m.Before(best) {
			best = m
		}
	}
	return best
}

// alignedToBatchTime reports whether at falls exactly on one of the
// configured daily times in loc.
func alignedToBatchTime(times []string, at time.Time, loc *time.Location) bool {
	local := at.In(loc)
	for _, bt := range times {
		hh, mm, ok := parseHHMM(bt)
		if !ok {
			continue
		}
		if local.Hour() == hh && local.Minute() == mm {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (hh, mm int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, 0, false
		}
	}
	hh = int(s[0]-'0')*10 + int(s[1]-'0')
	mm = int(s[3]-'0')*10 + int(s[4]-'0')
	if hh > 23 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const scheduleColumns = `id, name, source_id, template_id, delivery_mode, cron_expr,
	batch_times, timezone, active, last_run_at, next_run_at, last_queued_at, last_queued_item`

// CreateSchedule inserts a schedule and returns its id. The operator
// surface that normally does this lives outside this service; the store
// still exposes it for seeding and tests.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules
		   (name, source_id, template_id, delivery_mode, cron_expr, batch_times,
		    timezone, active, last_run_at, next_run_at, last_queued_at, last_queued_item)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.Name, nullID(sc.SourceID), nullID(sc.TemplateID), sc.DeliveryMode,
		sc.CronExpr, joinCSV(sc.BatchTimes), sc.Timezone, sc.Active,
		millis(sc.LastRunAt), millis(sc.NextRunAt), millis(sc.LastQueuedAt), sc.LastQueuedItem,
	)
	if err != nil {
		return 0, fmt.Errorf("insert schedule: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SchedulesForSource lists active schedules fed by one content source.
// Source refreshes use this to trigger immediate-mode dispatch.
func (s *Store) SchedulesForSource(ctx context.Context, sourceID int64) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE active = 1 AND source_id = ? ORDER BY id`,
		sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SetScheduleRecipients replaces the schedule's recipient set.
func (s *Store) SetScheduleRecipients(ctx context.Context, scheduleID int64, recipientIDs []int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_recipients WHERE schedule_id = ?`, scheduleID); err != nil {
		return err
	}
	for _, rid := range recipientIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schedule_recipients(schedule_id, recipient_id) VALUES(?,?)`,
			scheduleID, rid); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleRecipients returns the schedule's recipients, active ones only.
func (s *Store) ScheduleRecipients(ctx context.Context, scheduleID int64) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.address, r.kind, r.active
		 FROM schedule_recipients sr
		 JOIN recipients r ON r.id = sr.recipient_id
		 WHERE sr.schedule_id = ? AND r.active = 1
		 ORDER BY r.id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Address, &r.Kind, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdvanceScheduleCursor persists the enqueue cursor. It never moves the
// cursor backwards.
func (s *Store) AdvanceScheduleCursor(ctx context.Context, scheduleID int64, queuedAt time.Time, lastItem int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET last_queued_at = ?, last_queued_item = ?
		 WHERE id = ? AND (last_queued_at IS NULL OR last_queued_at <= ?)`,
		queuedAt.UnixMilli(), lastItem, scheduleID, queuedAt.UnixMilli())
	return err
}

// UpdateScheduleRun records a completed dispatch pass.
func (s *Store) UpdateScheduleRun(ctx context.Context, scheduleID int64, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		millis(lastRun), millis(nextRun), scheduleID)
	return err
}

// UpdateScheduleNextRun recomputes only next_run_at (e.g. when a stale
// batched cursor is realigned without dispatching).
func (s *Store) UpdateScheduleNextRun(ctx context.Context, scheduleID int64, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ? WHERE id = ?`, millis(nextRun), scheduleID)
	return err
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var sc Schedule
	var source, tmpl, lastRun, nextRun, lastQueued sql.NullInt64
	var batchTimes string
	err := r.Scan(&sc.ID, &sc.Name, &source, &tmpl, &sc.DeliveryMode, &sc.CronExpr,
		&batchTimes, &sc.Timezone, &sc.Active, &lastRun, &nextRun, &lastQueued, &sc.LastQueuedItem)
	if err != nil {
		return Schedule{}, err
	}
	sc.SourceID = idOf(source)
	sc.TemplateID = idOf(tmpl)
	sc.BatchTimes = splitCSV(batchTimes)
	sc.LastRunAt = timeOf(lastRun)
	sc.NextRunAt = timeOf(nextRun)
	sc.LastQueuedAt = timeOf(lastQueued)
	return sc, nil
}

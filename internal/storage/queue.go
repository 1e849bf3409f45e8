package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InsertEntries bulk-inserts pending rows, silently skipping any
// (schedule, item, recipient) triple that already exists. The uniqueness
// constraint is the authoritative duplicate guard; callers may pre-filter
// with RecentQueueKeys but must not rely on it.
func (s *Store) InsertEntries(ctx context.Context, entries []QueueEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	var inserted int64
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		status := e.Status
		if status == "" {
			status = StatusPending
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_entries
			   (schedule_id, item_id, recipient_id, template_id, status,
			    message_content, media_url, created_at)
			 VALUES (?,?,?,?,?,?,?,?)`,
			e.ScheduleID, nullID(e.ItemID), e.RecipientID, nullID(e.TemplateID),
			status, e.MessageContent, e.MediaURL, created.UnixMilli(),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert queue entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// RecentQueueKeys loads the triples queued for a schedule since the given
// time. Advisory only: a performance pre-filter for enqueue passes.
func (s *Store) RecentQueueKeys(ctx context.Context, scheduleID int64, since time.Time) (map[QueueKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, recipient_id FROM queue_entries
		 WHERE schedule_id = ? AND created_at >= ?`,
		scheduleID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := map[QueueKey]struct{}{}
	for rows.Next() {
		var item sql.NullInt64
		var recipient int64
		if err := rows.Scan(&item, &recipient); err != nil {
			return nil, err
		}
		keys[QueueKey{ScheduleID: scheduleID, ItemID: idOf(item), RecipientID: recipient}] = struct{}{}
	}
	return keys, rows.Err()
}

// ClaimEntry atomically transitions one row pending -> processing.
// Exactly one concurrent caller wins; everyone else gets false.
func (s *Store) ClaimEntry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, processing_started_at = ?
		 WHERE id = ? AND status = ?`,
		StatusProcessing, time.Now().UnixMilli(), id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEntrySent finalizes a delivered row with its external message id and
// the rendered text captured at send time (used for drift reconciliation).
func (s *Store) MarkEntrySent(ctx context.Context, id int64, externalID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, sent_at = ?, external_message_id = ?, message_content = ?, error_message = ''
		 WHERE id = ?`,
		StatusSent, time.Now().UnixMilli(), externalID, content, id)
	return err
}

// MarkEntryFailed records a terminal failure.
func (s *Store) MarkEntryFailed(ctx context.Context, id int64, retryCount int, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, retry_count = ?, error_message = ?
		 WHERE id = ?`,
		StatusFailed, retryCount, msg, id)
	return err
}

// RequeueEntry returns a row to pending after a retryable failure,
// incrementing its retry counter.
func (s *Store) RequeueEntry(ctx context.Context, id int64, retryCount int, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, retry_count = ?, error_message = ?, processing_started_at = NULL
		 WHERE id = ?`,
		StatusPending, retryCount, msg, id)
	return err
}

// MarkEntrySkipped records a row that was intentionally not sent.
func (s *Store) MarkEntrySkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, error_message = ? WHERE id = ?`,
		StatusSkipped, reason, id)
	return err
}

// UpdateEntryContent refreshes the stored rendered text after a successful
// post-send edit.
func (s *Store) UpdateEntryContent(ctx context.Context, id int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET message_content = ? WHERE id = ?`, content, id)
	return err
}

// ExpireStaleEntries force-skips pending rows created before the cutoff.
// They were never attempted, so skipped (not failed) is the right terminal.
func (s *Store) ExpireStaleEntries(ctx context.Context, scheduleID int64, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, error_message = 'expired: exceeded max pending age'
		 WHERE schedule_id = ? AND status = ? AND created_at < ?`,
		StatusSkipped, scheduleID, StatusPending, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReviveEntries resets a failed/skipped row for the triple back to pending,
// unless its skip reason marks it as operator-paused.
func (s *Store) ReviveEntries(ctx context.Context, key QueueKey) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, retry_count = 0, error_message = '', processing_started_at = NULL
		 WHERE schedule_id = ? AND item_id = ? AND recipient_id = ?
		   AND status IN (?, ?) AND error_message <> ?`,
		StatusPending, key.ScheduleID, key.ItemID, key.RecipientID,
		StatusFailed, StatusSkipped, SkipReasonPaused)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingEntries returns a recipient's pending rows for one schedule in
// content-time order (publish time, then item creation, then row id).
// Manual rows (no item) order by their own creation time.
func (s *Store) PendingEntries(ctx context.Context, scheduleID, recipientID int64) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM queue_entries qe
		 LEFT JOIN content_items ci ON ci.id = qe.item_id
		 WHERE qe.schedule_id = ? AND qe.recipient_id = ? AND qe.status = ?
		 ORDER BY COALESCE(ci.published_at, ci.created_at, qe.created_at) ASC, qe.id ASC`,
		scheduleID, recipientID, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SentEntriesForItems returns sent rows for the given items newer than the
// cutoff, for post-send reconciliation.
func (s *Store) SentEntriesForItems(ctx context.Context, scheduleID int64, itemIDs []int64, sentAfter time.Time) ([]QueueEntry, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	args := []any{scheduleID, StatusSent, sentAfter.UnixMilli()}
	ph := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM queue_entries qe
		 WHERE qe.schedule_id = ? AND qe.status = ? AND qe.sent_at >= ?
		   AND qe.item_id IN (`+strings.Join(ph, ",")+`)
		 ORDER BY qe.sent_at ASC, qe.id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ScheduleIDsWithPending lists schedules that still have unsent work.
// The catch-up sweep re-attempts each of these.
func (s *Store) ScheduleIDsWithPending(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT schedule_id FROM queue_entries WHERE status = ? ORDER BY schedule_id`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPendingEntries reports the pending depth for one schedule (0 = all).
func (s *Store) CountPendingEntries(ctx context.Context, scheduleID int64) (int64, error) {
	var n int64
	var err error
	if scheduleID == 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE status = ?`, StatusPending).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE schedule_id = ? AND status = ?`,
			scheduleID, StatusPending).Scan(&n)
	}
	return n, err
}

// ReapStuckEntries returns rows stuck in processing (claimed by a worker
// that died) to pending. The retry counter is left alone: the send never
// completed, so the attempt doesn't count.
func (s *Store) ReapStuckEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries
		 SET status = ?, processing_started_at = NULL
		 WHERE status = ? AND processing_started_at < ?`,
		StatusPending, StatusProcessing, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneTerminalEntries deletes finished rows older than the cutoff.
func (s *Store) PruneTerminalEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries
		 WHERE status IN (?,?,?) AND created_at < ?`,
		StatusSent, StatusSkipped, StatusFailed, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetEntry loads one row by id.
func (s *Store) GetEntry(ctx context.Context, id int64) (QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries qe WHERE qe.id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	return e, err
}

const entryColumns = `qe.id, qe.schedule_id, qe.item_id, qe.recipient_id, qe.template_id,
	qe.status, qe.retry_count, qe.processing_started_at, qe.error_message,
	qe.sent_at, qe.external_message_id, qe.message_content, qe.media_url, qe.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (QueueEntry, error) {
	var e QueueEntry
	var item, tmpl, procAt, sentAt sql.NullInt64
	var createdAt int64
	err := r.Scan(&e.ID, &e.ScheduleID, &item, &e.RecipientID, &tmpl,
		&e.Status, &e.RetryCount, &procAt, &e.ErrorMessage,
		&sentAt, &e.ExternalMessageID, &e.MessageContent, &e.MediaURL, &createdAt)
	if err != nil {
		return QueueEntry{}, err
	}
	e.ItemID = idOf(item)
	e.TemplateID = idOf(tmpl)
	e.ProcessingStartedAt = timeOf(procAt)
	e.SentAt = timeOf(sentAt)
	e.CreatedAt = time.UnixMilli(createdAt)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

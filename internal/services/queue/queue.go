// Package queue turns eligible content into pending queue rows. It never
// sends anything; the dispatch engine owns delivery. All three enqueue
// strategies are safe to call repeatedly and concurrently because the
// store's uniqueness constraint over (schedule, item, recipient) is the
// single source of truth for "already queued".
package queue

import (
	"context"
	"fmt"
	"time"

	"feedcast/internal/storage"
	logx "feedcast/pkg/logx"
)

const (
	// pageSize bounds one cursor page during catch-up.
	pageSize = 200
	// recentWindow is how far back the advisory duplicate pre-filter looks.
	recentWindow = 48 * time.Hour
)

// Service implements the enqueue strategies over the store.
type Service struct {
	store *storage.Store
	log   logx.Logger
}

func New(store *storage.Store, log logx.Logger) *Service {
	return &Service{store: store, log: log.With(logx.String("comp", "queue"))}
}

// Result reports what one enqueue pass created.
type Result struct {
	Scanned  int
	Inserted int64
	// Cursor is the content-time/id position reached, for the caller to
	// persist via AdvanceScheduleCursor.
	CursorAt time.Time
	CursorID int64
}

// SinceCursor pages through items that arrived after the schedule's
// cursor, cross-joins them with the schedule's active recipients, and
// inserts pending rows. Duplicates are pre-filtered by an advisory
// recent-window set and finally rejected by the uniqueness constraint.
func (s *Service) SinceCursor(ctx context.Context, sc storage.Schedule, recipients []storage.Recipient) (Result, error) {
	var res Result
	if sc.SourceID == 0 || len(recipients) == 0 {
		return res, nil
	}

	seen, err := s.store.RecentQueueKeys(ctx, sc.ID, time.Now().Add(-recentWindow))
	if err != nil {
		return res, fmt.Errorf("recent keys: %w", err)
	}

	after, afterID := sc.LastQueuedAt, sc.LastQueuedItem
	for {
		items, err := s.store.ItemsAfter(ctx, sc.SourceID, after, afterID, pageSize)
		if err != nil {
			return res, fmt.Errorf("items after cursor: %w", err)
		}
		if len(items) == 0 {
			break
		}
		res.Scanned += len(items)

		n, err := s.insertMissing(ctx, sc, items, recipients, seen)
		if err != nil {
			return res, err
		}
		res.Inserted += n

		last := items[len(items)-1]
		after, afterID = itemTime(last), last.ID
		res.CursorAt, res.CursorID = after, afterID
		if len(items) < pageSize {
			break
		}
	}
	if res.Inserted > 0 {
		s.log.Info("queued since cursor",
			logx.Int64("schedule", sc.ID),
			logx.Int("scanned", res.Scanned),
			logx.Int64("inserted", res.Inserted))
	}
	return res, nil
}

// Latest handles a schedule that has never run: enqueue only the newest
// item per recipient, and revive any failed or skipped row for that same
// pair unless it was paused by an operator.
func (s *Service) Latest(ctx context.Context, sc storage.Schedule, recipients []storage.Recipient) (Result, error) {
	var res Result
	if sc.SourceID == 0 || len(recipients) == 0 {
		return res, nil
	}

	item, err := s.store.LatestItem(ctx, sc.SourceID)
	if err == storage.ErrNotFound {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("latest item: %w", err)
	}
	res.Scanned = 1
	res.CursorAt, res.CursorID = itemTime(item), item.ID

	for _, r := range recipients {
		key := storage.QueueKey{ScheduleID: sc.ID, ItemID: item.ID, RecipientID: r.ID}
		revived, err := s.store.ReviveEntries(ctx, key)
		if err != nil {
			return res, fmt.Errorf("revive: %w", err)
		}
		if revived > 0 {
			res.Inserted += revived
			continue
		}
		n, err := s.store.InsertEntries(ctx, []storage.QueueEntry{{
			ScheduleID:  sc.ID,
			ItemID:      item.ID,
			RecipientID: r.ID,
			TemplateID:  sc.TemplateID,
		}})
		if err != nil {
			return res, fmt.Errorf("insert latest: %w", err)
		}
		res.Inserted += n
	}
	if res.Inserted > 0 {
		s.log.Info("queued latest item",
			logx.Int64("schedule", sc.ID),
			logx.Int64("item", item.ID),
			logx.Int64("inserted", res.Inserted))
	}
	return res, nil
}

// RecentMissing re-scans a bounded lookback and inserts any pair the
// cursor path missed, typically because items arrived with out-of-order
// publish times. Duplicate inserts no-op on the constraint.
func (s *Service) RecentMissing(ctx context.Context, sc storage.Schedule, recipients []storage.Recipient, lookback time.Duration) (Result, error) {
	var res Result
	if sc.SourceID == 0 || len(recipients) == 0 || lookback <= 0 {
		return res, nil
	}

	since := time.Now().Add(-lookback)
	seen, err := s.store.RecentQueueKeys(ctx, sc.ID, since)
	if err != nil {
		return res, fmt.Errorf("recent keys: %w", err)
	}

	after, afterID := since, int64(0)
	for {
		items, err := s.store.ItemsAfter(ctx, sc.SourceID, after, afterID, pageSize)
		if err != nil {
			return res, fmt.Errorf("items in lookback: %w", err)
		}
		if len(items) == 0 {
			break
		}
		res.Scanned += len(items)

		n, err := s.insertMissing(ctx, sc, items, recipients, seen)
		if err != nil {
			return res, err
		}
		res.Inserted += n

		last := items[len(items)-1]
		after, afterID = itemTime(last), last.ID
		if len(items) < pageSize {
			break
		}
	}
	if res.Inserted > 0 {
		s.log.Info("reconciled missing rows",
			logx.Int64("schedule", sc.ID),
			logx.Int64("inserted", res.Inserted))
	}
	return res, nil
}

// insertMissing cross-joins items with recipients, skipping pairs in the
// advisory seen set, and records what it inserted back into the set.
func (s *Service) insertMissing(ctx context.Context, sc storage.Schedule, items []storage.ContentItem, recipients []storage.Recipient, seen map[storage.QueueKey]struct{}) (int64, error) {
	batch := make([]storage.QueueEntry, 0, len(items)*len(recipients))
	for _, it := range items {
		for _, r := range recipients {
			key := storage.QueueKey{ScheduleID: sc.ID, ItemID: it.ID, RecipientID: r.ID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			batch = append(batch, storage.QueueEntry{
				ScheduleID:  sc.ID,
				ItemID:      it.ID,
				RecipientID: r.ID,
				TemplateID:  sc.TemplateID,
			})
		}
	}
	n, err := s.store.InsertEntries(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("insert entries: %w", err)
	}
	return n, nil
}

// itemTime is the cursor timestamp for an item: publish time when known,
// otherwise ingestion time.
func itemTime(it storage.ContentItem) time.Time {
	if !it.PublishedAt.IsZero() {
		return it.PublishedAt
	}
	return it.CreatedAt
}

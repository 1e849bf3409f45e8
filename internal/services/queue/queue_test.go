package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"feedcast/internal/storage"
	logx "feedcast/pkg/logx"
)

type fixture struct {
	store      *storage.Store
	svc        *Service
	schedule   storage.Schedule
	recipients []storage.Recipient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	srcID, err := st.CreateSource(ctx, storage.Source{Name: "feed", URL: "https://example.org/feed", Active: true})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	var recipients []storage.Recipient
	for _, name := range []string{"alpha", "beta"} {
		id, err := st.CreateRecipient(ctx, storage.Recipient{Name: name, Address: "-100" + name, Kind: storage.RecipientGroup, Active: true})
		if err != nil {
			t.Fatalf("CreateRecipient: %v", err)
		}
		recipients = append(recipients, storage.Recipient{ID: id, Name: name})
	}
	scID, err := st.CreateSchedule(ctx, storage.Schedule{
		Name: "daily", SourceID: srcID, DeliveryMode: storage.ModeImmediate, Timezone: "UTC", Active: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	sc, err := st.GetSchedule(ctx, scID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	return &fixture{store: st, svc: New(st, logx.Nop()), schedule: sc, recipients: recipients}
}

func (f *fixture) addItems(t *testing.T, items ...storage.ContentItem) []int64 {
	t.Helper()
	ids, _, err := f.store.UpsertItems(context.Background(), f.schedule.SourceID, items)
	if err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}
	return ids
}

func TestSinceCursorCrossJoinsAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	f.addItems(t,
		storage.ContentItem{ExternalKey: "p1", Title: "one", PublishedAt: base},
		storage.ContentItem{ExternalKey: "p2", Title: "two", PublishedAt: base.Add(time.Minute)},
	)

	res, err := f.svc.SinceCursor(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("SinceCursor: %v", err)
	}
	if res.Inserted != 4 {
		t.Fatalf("inserted = %d, want 4 (2 items x 2 recipients)", res.Inserted)
	}
	if !res.CursorAt.Equal(base.Add(time.Minute)) || res.CursorID == 0 {
		t.Fatalf("cursor = %v/%d", res.CursorAt, res.CursorID)
	}

	// Replay from the same cursor is a no-op: the seen set and the
	// uniqueness constraint both reject the rows.
	res, err = f.svc.SinceCursor(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("SinceCursor replay: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("replay inserted = %d, want 0", res.Inserted)
	}

	// Persist the cursor, add one item: only the new pairs appear.
	if err := f.store.AdvanceScheduleCursor(ctx, f.schedule.ID, base.Add(time.Minute), res.CursorID); err != nil {
		t.Fatalf("AdvanceScheduleCursor: %v", err)
	}
	f.schedule, _ = f.store.GetSchedule(ctx, f.schedule.ID)
	f.addItems(t, storage.ContentItem{ExternalKey: "p3", Title: "three", PublishedAt: base.Add(2 * time.Minute)})

	res, err = f.svc.SinceCursor(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("SinceCursor after advance: %v", err)
	}
	if res.Scanned != 1 || res.Inserted != 2 {
		t.Fatalf("scanned=%d inserted=%d, want 1/2", res.Scanned, res.Inserted)
	}
}

func TestLatestEnqueuesNewestOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	ids := f.addItems(t,
		storage.ContentItem{ExternalKey: "old", Title: "old", PublishedAt: base},
		storage.ContentItem{ExternalKey: "new", Title: "new", PublishedAt: base.Add(time.Hour)},
	)
	newest := ids[1]

	res, err := f.svc.Latest(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted = %d, want 2 (one per recipient)", res.Inserted)
	}
	for _, r := range f.recipients {
		rows, err := f.store.PendingEntries(ctx, f.schedule.ID, r.ID)
		if err != nil || len(rows) != 1 {
			t.Fatalf("pending for %s = %v, %v", r.Name, rows, err)
		}
		if rows[0].ItemID != newest {
			t.Fatalf("queued item %d, want newest %d", rows[0].ItemID, newest)
		}
	}
}

func TestLatestRevivesFailedButNotPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addItems(t, storage.ContentItem{ExternalKey: "p", Title: "p", PublishedAt: time.Now()})
	if _, err := f.svc.Latest(ctx, f.schedule, f.recipients); err != nil {
		t.Fatalf("Latest: %v", err)
	}

	// First recipient's row fails hard, second is operator-paused.
	rowsA, _ := f.store.PendingEntries(ctx, f.schedule.ID, f.recipients[0].ID)
	rowsB, _ := f.store.PendingEntries(ctx, f.schedule.ID, f.recipients[1].ID)
	if err := f.store.MarkEntryFailed(ctx, rowsA[0].ID, 3, "send failed"); err != nil {
		t.Fatalf("MarkEntryFailed: %v", err)
	}
	if err := f.store.MarkEntrySkipped(ctx, rowsB[0].ID, storage.SkipReasonPaused); err != nil {
		t.Fatalf("MarkEntrySkipped: %v", err)
	}

	res, err := f.svc.Latest(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("Latest rerun: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("revived = %d, want 1 (failed row only)", res.Inserted)
	}
	rowsA, _ = f.store.PendingEntries(ctx, f.schedule.ID, f.recipients[0].ID)
	if len(rowsA) != 1 || rowsA[0].RetryCount != 0 {
		t.Fatalf("failed row not revived cleanly: %+v", rowsA)
	}
	rowsB, _ = f.store.PendingEntries(ctx, f.schedule.ID, f.recipients[1].ID)
	if len(rowsB) != 0 {
		t.Fatalf("paused row revived: %+v", rowsB)
	}
}

func TestRecentMissingBackfillsOutOfOrderItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.addItems(t, storage.ContentItem{ExternalKey: "current", Title: "current", PublishedAt: now})
	res, err := f.svc.SinceCursor(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("SinceCursor: %v", err)
	}
	if err := f.store.AdvanceScheduleCursor(ctx, f.schedule.ID, res.CursorAt, res.CursorID); err != nil {
		t.Fatalf("AdvanceScheduleCursor: %v", err)
	}
	f.schedule, _ = f.store.GetSchedule(ctx, f.schedule.ID)

	// An item arrives late with a publish time behind the cursor. The
	// cursor path can no longer see it.
	f.addItems(t, storage.ContentItem{ExternalKey: "late", Title: "late", PublishedAt: now.Add(-time.Hour)})
	res, err = f.svc.SinceCursor(ctx, f.schedule, f.recipients)
	if err != nil {
		t.Fatalf("SinceCursor: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("cursor path picked up the late item: %+v", res)
	}

	res, err = f.svc.RecentMissing(ctx, f.schedule, f.recipients, 6*time.Hour)
	if err != nil {
		t.Fatalf("RecentMissing: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("backfilled = %d, want 2", res.Inserted)
	}

	// Second pass is a pure no-op.
	res, err = f.svc.RecentMissing(ctx, f.schedule, f.recipients, 6*time.Hour)
	if err != nil {
		t.Fatalf("RecentMissing replay: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("replay backfilled = %d, want 0", res.Inserted)
	}
}

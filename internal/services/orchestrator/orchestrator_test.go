package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"feedcast/internal/services/dispatch"
	"feedcast/internal/services/lock"
	"feedcast/internal/services/pacing"
	"feedcast/internal/services/queue"
	"feedcast/internal/storage"
	"feedcast/internal/transport"
	logx "feedcast/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	sends  int
	nextID int

	// When set (before Start), Send signals sending and then parks until
	// block is closed. Lets tests hold a dispatch pass mid-flight.
	sending chan struct{}
	block   chan struct{}
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }
func (f *fakeAdapter) Status(context.Context) transport.Status {
	return transport.Status{Connected: true}
}
func (f *fakeAdapter) Send(context.Context, string, transport.Message) (string, error) {
	if f.sending != nil {
		f.sending <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.nextID++
	return fmt.Sprintf("fake:%d", f.nextID), nil
}
func (f *fakeAdapter) Edit(context.Context, string, string, string) error { return nil }
func (f *fakeAdapter) ConfirmSend(context.Context, string, time.Duration) (transport.Confirmation, error) {
	return transport.Confirmation{OK: true, Via: "ack"}, nil
}
func (f *fakeAdapter) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func newHarness(t *testing.T, cfg Config) (*Orchestrator, *storage.Store, *fakeAdapter) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "orch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ad := &fakeAdapter{}
	engine := dispatch.New(dispatch.Config{}, st, queue.New(st, logx.Nop()),
		lock.New(st, time.Minute, logx.Nop()), pacing.New(pacing.Config{}, logx.Nop()),
		ad, nil, nil, logx.Nop())
	return New(cfg, st, engine, logx.Nop()), st, ad
}

func TestRegisterEntriesPerSourceAndSchedule(t *testing.T) {
	o, st, _ := newHarness(t, Config{})
	ctx := context.Background()

	srcID, err := st.CreateSource(ctx, storage.Source{Name: "feed", URL: "u", RefreshInterval: 10 * time.Minute, Active: true})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	mk := func(sc storage.Schedule) {
		sc.SourceID = srcID
		sc.Timezone = "UTC"
		sc.Active = true
		if _, err := st.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("CreateSchedule: %v", err)
		}
	}
	mk(storage.Schedule{Name: "c", DeliveryMode: storage.ModeCron, CronExpr: "0 9 * * *"})
	mk(storage.Schedule{Name: "b", DeliveryMode: storage.ModeBatched, BatchTimes: []string{"09:00", "18:30"}})
	mk(storage.Schedule{Name: "i", DeliveryMode: storage.ModeImmediate})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	// 1 source refresh + 1 cron + 2 batch times + 1 sweep. Immediate mode
	// registers nothing of its own.
	if got := len(o.c.Entries()); got != 5 {
		t.Fatalf("entries = %d, want 5", got)
	}

	// Reload keeps the same trigger set stable.
	if err := o.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := len(o.c.Entries()); got != 5 {
		t.Fatalf("entries after reload = %d, want 5", got)
	}
}

func TestBatchSpec(t *testing.T) {
	cases := []struct {
		in, tz, want string
		wantErr      bool
	}{
		{in: "09:00", tz: "UTC", want: "CRON_TZ=UTC 0 9 * * *"},
		{in: "18:30", tz: "", want: "30 18 * * *"},
		{in: "7:05", tz: "Asia/Jakarta", want: "CRON_TZ=Asia/Jakarta 5 7 * * *"},
		{in: "24:00", wantErr: true},
		{in: "nope", wantErr: true},
	}
	for _, c := range cases {
		got, err := batchSpec(c.in, c.tz)
		if c.wantErr {
			if err == nil {
				t.Errorf("batchSpec(%q) expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("batchSpec(%q, %q) = %q/%v, want %q", c.in, c.tz, got, err, c.want)
		}
	}
}

func TestReloadWaitsOutRunningSourcePass(t *testing.T) {
	o, st, ad := newHarness(t, Config{})
	ctx := context.Background()

	srcID, err := st.CreateSource(ctx, storage.Source{Name: "feed", URL: "u", RefreshInterval: time.Second, Active: true})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	recipID, _ := st.CreateRecipient(ctx, storage.Recipient{Name: "ops", Address: "-100", Kind: storage.RecipientGroup, Active: true})
	scID, err := st.CreateSchedule(ctx, storage.Schedule{Name: "n", SourceID: srcID, DeliveryMode: storage.ModeImmediate, Timezone: "UTC", Active: true})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	_ = st.SetScheduleRecipients(ctx, scID, []int64{recipID})
	if _, _, err := st.UpsertItems(ctx, srcID, []storage.ContentItem{{ExternalKey: "p", Title: "post", PublishedAt: time.Now()}}); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}

	ad.sending = make(chan struct{}, 8)
	ad.block = make(chan struct{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	// Wait for the source entry to fire and park mid-send inside the runner.
	select {
	case <-ad.sending:
	case <-time.After(5 * time.Second):
		t.Fatal("source pass never reached the transport")
	}

	done := make(chan error, 1)
	go func() { done <- o.Reload(ctx) }()

	// The pass needs the orchestrator mutex to clear its in-flight flag;
	// Reload must not sit on it while draining the old runner.
	time.Sleep(50 * time.Millisecond)
	close(ad.block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reload: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reload deadlocked against the in-flight source pass")
	}
	if ad.sent() != 1 {
		t.Fatalf("sent %d messages, want 1", ad.sent())
	}
}

func TestSweepDispatchesPendingAndReapsStuck(t *testing.T) {
	o, st, ad := newHarness(t, Config{StuckAfter: time.Millisecond})
	ctx := context.Background()

	recipID, err := st.CreateRecipient(ctx, storage.Recipient{Name: "ops", Address: "-100", Kind: storage.RecipientGroup, Active: true})
	if err != nil {
		t.Fatalf("CreateRecipient: %v", err)
	}
	scID, err := st.CreateSchedule(ctx, storage.Schedule{Name: "adhoc", DeliveryMode: storage.ModeImmediate, Timezone: "UTC", Active: true})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := st.SetScheduleRecipients(ctx, scID, []int64{recipID}); err != nil {
		t.Fatalf("SetScheduleRecipients: %v", err)
	}
	if _, err := st.InsertEntries(ctx, []storage.QueueEntry{{
		ScheduleID: scID, RecipientID: recipID, MessageContent: "stuck announcement",
	}}); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}

	// Simulate a worker that claimed the row and died.
	rows, _ := st.PendingEntries(ctx, scID, recipID)
	if ok, _ := st.ClaimEntry(ctx, rows[0].ID); !ok {
		t.Fatal("claim failed")
	}
	time.Sleep(10 * time.Millisecond)

	o.sweep(ctx)

	if ad.sent() != 1 {
		t.Fatalf("sweep sent %d messages, want 1 (reaped then dispatched)", ad.sent())
	}
	e, err := st.GetEntry(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.Status != storage.StatusSent || e.RetryCount != 0 {
		t.Fatalf("entry after sweep: status=%s retry=%d", e.Status, e.RetryCount)
	}
}

func TestSourcePassCoalesces(t *testing.T) {
	o, st, ad := newHarness(t, Config{})
	ctx := context.Background()

	srcID, err := st.CreateSource(ctx, storage.Source{Name: "feed", URL: "u", Active: true})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	recipID, _ := st.CreateRecipient(ctx, storage.Recipient{Name: "ops", Address: "-100", Kind: storage.RecipientGroup, Active: true})
	scID, err := st.CreateSchedule(ctx, storage.Schedule{Name: "n", SourceID: srcID, DeliveryMode: storage.ModeImmediate, Timezone: "UTC", Active: true})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	_ = st.SetScheduleRecipients(ctx, scID, []int64{recipID})
	if _, _, err := st.UpsertItems(ctx, srcID, []storage.ContentItem{{ExternalKey: "p", Title: "post", PublishedAt: time.Now()}}); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}

	// Mark the source in flight: a second trigger must be a no-op.
	o.mu.Lock()
	o.inflight[srcID] = true
	o.mu.Unlock()
	o.refreshSource(ctx, srcID)
	if ad.sent() != 0 {
		t.Fatalf("coalesced pass still sent %d messages", ad.sent())
	}

	o.mu.Lock()
	o.inflight[srcID] = false
	o.mu.Unlock()
	o.refreshSource(ctx, srcID)
	if ad.sent() != 1 {
		t.Fatalf("source pass sent %d, want 1", ad.sent())
	}
}

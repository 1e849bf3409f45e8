package pacing

import (
	"context"
	"testing"
	"time"

	logx "feedcast/pkg/logx"
)

// fakeClock drives the controller deterministically: sleeps advance the
// clock instead of blocking.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func newTestController(cfg Config) (*Controller, *fakeClock) {
	c := New(cfg, logx.Nop())
	fc := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c.now = fc.Now
	c.sleep = fc.Sleep
	c.limiter = nil // the fake clock cannot drive the real limiter
	return c, fc
}

func totalSlept(fc *fakeClock) time.Duration {
	var sum time.Duration
	for _, d := range fc.sleeps {
		sum += d
	}
	return sum
}

func TestFirstSendNeverWaits(t *testing.T) {
	c, fc := newTestController(Config{RecipientInterval: time.Minute, SwitchInterval: 10 * time.Second})
	if err := c.Acquire(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := totalSlept(fc); got != 0 {
		t.Fatalf("first send slept %v, want 0", got)
	}
}

func TestSameRecipientInterval(t *testing.T) {
	c, fc := newTestController(Config{RecipientInterval: time.Minute})
	ctx := context.Background()

	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fc.now = fc.now.Add(20 * time.Second)
	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := totalSlept(fc); got != 40*time.Second {
		t.Fatalf("slept %v, want 40s (the remainder of the minute)", got)
	}
}

func TestSwitchIntervalAppliesAcrossRecipients(t *testing.T) {
	c, fc := newTestController(Config{RecipientInterval: time.Minute, SwitchInterval: 10 * time.Second})
	ctx := context.Background()

	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Different recipient right away: only the switch interval applies.
	if err := c.Acquire(ctx, "chat-2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := totalSlept(fc); got != 10*time.Second {
		t.Fatalf("slept %v, want 10s switch interval", got)
	}
}

func TestMaxOfIntervalsWins(t *testing.T) {
	c, fc := newTestController(Config{RecipientInterval: time.Minute, SwitchInterval: 10 * time.Second})
	ctx := context.Background()

	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Acquire(ctx, "chat-2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fc.sleeps = nil
	// Back to chat-1 5s later: recipient interval (55s left) beats the
	// switch interval (10s). Waits are maxed, not summed.
	fc.now = fc.now.Add(5 * time.Second)
	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	want := time.Minute - 15*time.Second // first send was 15s ago on the fake clock
	if got := totalSlept(fc); got != want {
		t.Fatalf("slept %v, want %v", got, want)
	}
}

func TestWaitCappedAtMaxWait(t *testing.T) {
	c, fc := newTestController(Config{RecipientInterval: 5 * time.Minute})
	ctx := context.Background()

	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fc.sleeps = nil
	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := totalSlept(fc); got != MaxWait {
		t.Fatalf("slept %v, want cap %v", got, MaxWait)
	}
}

func TestClockSkewGuard(t *testing.T) {
	c, fc := newTestController(Config{RecipientInterval: time.Minute})
	ctx := context.Background()

	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Clock jumps backwards (NTP step). The stale future timestamp must
	// not produce a wait.
	fc.now = fc.now.Add(-time.Hour)
	fc.sleeps = nil
	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := totalSlept(fc); got != 0 {
		t.Fatalf("slept %v after clock skew, want 0", got)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	c, _ := newTestController(Config{RecipientInterval: time.Minute})
	c.sleep = sleepCtx // real sleep so cancellation is exercised

	ctx := context.Background()
	if err := c.Acquire(ctx, "chat-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := c.Acquire(cancelled, "chat-1"); err != context.Canceled {
		t.Fatalf("Acquire on cancelled ctx = %v, want context.Canceled", err)
	}
}

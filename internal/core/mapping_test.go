package core

import (
	"testing"
	"time"

	"feedcast/internal/calendar"
	"feedcast/internal/config"
)

func TestMapBlackoutQuietHoursSuppressDelivery(t *testing.T) {
	cfg := &config.Config{QuietHours: &config.QuietHoursConfig{
		From: "23:00", Until: "07:30", Timezone: "UTC",
	}}
	b, err := mapBlackout(cfg)
	if err != nil {
		t.Fatalf("mapBlackout: %v", err)
	}

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name           string
		at             time.Time
		wantSuppressed bool
	}{
		{"deep in quiet hours", day.Add(2 * time.Hour), true},
		{"just after quiet start", day.Add(23*time.Hour + 30*time.Minute), true},
		{"midday", day.Add(12 * time.Hour), false},
		{"quiet end boundary delivers", day.Add(7*time.Hour + 30*time.Minute), false},
	}
	for _, c := range cases {
		if got, _ := b.Suppressed(c.at); got != c.wantSuppressed {
			t.Errorf("%s: Suppressed(%v) = %v, want %v", c.name, c.at, got, c.wantSuppressed)
		}
	}
}

func TestMapBlackoutNonWrappedQuietHours(t *testing.T) {
	// A quiet period that does not cross midnight becomes a wrapped
	// delivery window.
	cfg := &config.Config{QuietHours: &config.QuietHoursConfig{
		From: "12:00", Until: "13:00", Timezone: "UTC",
	}}
	b, err := mapBlackout(cfg)
	if err != nil {
		t.Fatalf("mapBlackout: %v", err)
	}
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if got, _ := b.Suppressed(day.Add(12*time.Hour + 30*time.Minute)); !got {
		t.Fatal("12:30 allowed, want suppressed")
	}
	if got, _ := b.Suppressed(day.Add(9 * time.Hour)); got {
		t.Fatal("09:00 suppressed, want allowed")
	}
}

func TestMapBlackoutDefaultsAndErrors(t *testing.T) {
	b, err := mapBlackout(&config.Config{})
	if err != nil {
		t.Fatalf("mapBlackout: %v", err)
	}
	if _, ok := b.(calendar.None); !ok {
		t.Fatalf("no quiet hours should map to calendar.None, got %T", b)
	}

	bad := &config.Config{QuietHours: &config.QuietHoursConfig{
		From: "23:00", Until: "07:30", Timezone: "Mars/Olympus",
	}}
	if _, err := mapBlackout(bad); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

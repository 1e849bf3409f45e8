package calendar

import (
	"testing"
	"time"
)

func TestDailyWindow(t *testing.T) {
	utc := time.UTC
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, utc)
	business := DailyWindow{From: 9 * time.Hour, Until: 17 * time.Hour, Location: utc}
	overnight := DailyWindow{From: 22 * time.Hour, Until: 7 * time.Hour, Location: utc}

	cases := []struct {
		name           string
		w              DailyWindow
		at             time.Time
		wantSuppressed bool
	}{
		{"inside business hours", business, day.Add(12 * time.Hour), false},
		{"before business hours", business, day.Add(8 * time.Hour), true},
		{"at lower bound inclusive", business, day.Add(9 * time.Hour), false},
		{"at upper bound exclusive", business, day.Add(17 * time.Hour), true},
		{"overnight window, late evening", overnight, day.Add(23*time.Hour + 30*time.Minute), false},
		{"overnight window, early morning", overnight, day.Add(3 * time.Hour), false},
		{"overnight window, daytime", overnight, day.Add(12 * time.Hour), true},
		{"zero window disables suppression", DailyWindow{}, day.Add(12 * time.Hour), false},
	}
	for _, c := range cases {
		got, reason := c.w.Suppressed(c.at)
		if got != c.wantSuppressed {
			t.Errorf("%s: Suppressed(%v) = %v, want %v", c.name, c.at, got, c.wantSuppressed)
		}
		if got && reason == "" {
			t.Errorf("%s: suppressed without a reason", c.name)
		}
	}
}

func TestDailyWindowConvertsToItsLocation(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)
	w := DailyWindow{From: 9 * time.Hour, Until: 17 * time.Hour, Location: wib}

	// 03:00 UTC is 10:00 in the window's zone: inside.
	at := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if got, _ := w.Suppressed(at); got {
		t.Fatalf("03:00 UTC (10:00 WIB) suppressed, want allowed")
	}
	// 12:00 UTC is 19:00 in the window's zone: outside.
	at = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	if got, _ := w.Suppressed(at); !got {
		t.Fatalf("12:00 UTC (19:00 WIB) allowed, want suppressed")
	}
}

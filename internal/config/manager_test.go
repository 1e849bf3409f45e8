package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

const validYAML = `
telegram:
  token: "123:abc"
  request_timeout: 30s
logging:
  level: info
  console: true
storage:
  path: /var/lib/feedcast/feedcast.db
dispatch:
  max_retries: 5
  batch_grace: 8m
pacing:
  recipient_interval: 45s
quiet_hours:
  from: "23:00"
  until: "07:30"
  timezone: Asia/Jakarta
debug:
  enabled: true
  addr: 127.0.0.1:6060
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "feedcast.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Dispatch.MaxRetries != 5 {
		t.Fatalf("decoded: %+v", cfg)
	}
	if cfg.QuietHours == nil || cfg.QuietHours.Until != "07:30" {
		t.Fatalf("quiet hours: %+v", cfg.QuietHours)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "feedcast.json",
		`{"telegram":{"token":"123:abc"},"logging":{"level":"debug","console":false,"file":{"enabled":false,"path":""}},"storage":{"path":"x.db"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("decoded: %+v", cfg.Logging)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	m := NewManager(writeFile(t, "feedcast.yaml", validYAML+"\nnot_a_real_key: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"missing db path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad duration", func(c *Config) { c.Pacing.SwitchInterval = "fast" }, "pacing.switch_interval"},
		{"negative duration", func(c *Config) { c.Dispatch.BatchGrace = "-5m" }, "dispatch.batch_grace"},
		{"bad quiet hours", func(c *Config) { c.QuietHours = &QuietHoursConfig{From: "25:00", Until: "07:00"} }, "quiet_hours.from"},
		{"bad timezone", func(c *Config) {
			c.QuietHours = &QuietHoursConfig{From: "23:00", Until: "07:00", Timezone: "Mars/Olympus"}
		}, "quiet_hours.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Telegram: TelegramConfig{Token: "123:abc"},
				Storage:  StorageConfig{Path: "x.db"},
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestParseHHMM(t *testing.T) {
	d, err := ParseHHMM("t", "07:30")
	if err != nil || d != 7*time.Hour+30*time.Minute {
		t.Fatalf("ParseHHMM = %v, %v", d, err)
	}
	if _, err := ParseHHMM("t", "7:61"); err == nil {
		t.Fatal("minutes out of range accepted")
	}
}

func TestSubscribePublishKeepsNewest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}}
	m.publish(a)
	m.publish(b) // buffer full: a is dropped, b delivered

	got := <-ch
	if got.Telegram.Token != "b" {
		t.Fatalf("subscriber got %q, want the newest config", got.Telegram.Token)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config %+v", extra)
	default:
	}
}

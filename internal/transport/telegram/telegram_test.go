package telegram

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "feedcast/internal/transport"
)

func TestBotSettingsBoundEveryRequest(t *testing.T) {
	cfg := Config{Token: "t", RequestTimeout: 7 * time.Second}.withDefaults()
	s := botSettings(cfg)
	if s.Client == nil || s.Client.Timeout != 7*time.Second {
		t.Fatalf("client timeout not wired: %+v", s.Client)
	}

	// An omitted timeout must still produce a bounded client, never zero
	// (zero means unbounded and a hung connection outlives the lock TTL).
	def := Config{Token: "t"}.withDefaults()
	if def.RequestTimeout <= 0 {
		t.Fatalf("default request timeout = %v", def.RequestTimeout)
	}
	if s := botSettings(def); s.Client == nil || s.Client.Timeout != def.RequestTimeout {
		t.Fatalf("default client timeout not wired: %+v", s.Client)
	}
}

func TestClassifyErrorKinds(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		requestIssued bool
		want          kit.ErrorKind
	}{
		{"deadline before request", context.DeadlineExceeded, false, kit.KindTimeout},
		{"deadline after request", context.DeadlineExceeded, true, kit.KindAmbiguous},
		{"unauthorized", &tele.Error{Code: 401, Description: "Unauthorized"}, true, kit.KindAuth},
		{"kicked from chat", &tele.Error{Code: 403, Description: "bot was kicked"}, true, kit.KindBadRequest},
		{"server error", &tele.Error{Code: 502, Description: "Bad Gateway"}, true, kit.KindDisconnected},
		{"connection refused", &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: errors.New("connection refused")}, true, kit.KindDisconnected},
	}
	for _, c := range cases {
		if got := classify(c.err, c.requestIssued); got != c.want {
			t.Errorf("%s: classify = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestExternalIDRoundTrip(t *testing.T) {
	id := formatExternalID(-1001234, 42)
	chatID, msgID, err := parseExternalID(id)
	if err != nil || chatID != -1001234 || msgID != 42 {
		t.Fatalf("parseExternalID(%q) = %d, %d, %v", id, chatID, msgID, err)
	}
	if _, _, err := parseExternalID("garbage"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

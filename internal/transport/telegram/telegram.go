package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "feedcast/internal/transport"
	logx "feedcast/pkg/logx"
)

type Config struct {
	Token string

	// RequestTimeout bounds a single Bot API call.
	RequestTimeout time.Duration

	// StatusMaxAge controls how long a probed connection status is reused
	// before Status() probes again.
	StatusMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.StatusMaxAge <= 0 {
		c.StatusMaxAge = 30 * time.Second
	}
	return c
}

// Adapter drives outbound sends/edits over the Telegram Bot API.
//
// It is send-only: no update polling. Telegram acks sends synchronously, so
// ConfirmSend resolves from the adapter's own recent-send record ("ack" via).
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool

	statusMu sync.Mutex
	statusAt time.Time
	status   kit.Status

	// recent acked sends, for ConfirmSend. Bounded ring by insertion order.
	sentMu    sync.Mutex
	sentIDs   map[string]time.Time
	sentOrder []string
}

const sentRecordMax = 4096

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	b, err := tele.NewBot(botSettings(cfg))
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		sentIDs: map[string]time.Time{},
	}, nil
}

// botSettings builds the telebot settings. No poller: this adapter only
// sends. RequestTimeout rides on the HTTP client so every Bot API call
// (send, edit, getMe probe) is bounded; a hung connection must never stall
// a dispatch run past its lock TTL.
func botSettings(cfg Config) tele.Settings {
	return tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.log.Info("telegram adapter started", logx.String("bot", a.bot.Me.Username))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.running = false
	a.log.Info("telegram adapter stopped")
	return nil
}

// Status probes getMe, reusing the last probe within StatusMaxAge.
func (a *Adapter) Status(ctx context.Context) kit.Status {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	if !a.statusAt.IsZero() && time.Since(a.statusAt) < a.cfg.StatusMaxAge {
		return a.status
	}

	_, err := a.bot.Raw("getMe", nil)
	st := kit.Status{Connected: err == nil}
	if err != nil {
		st.Detail = err.Error()
	}
	a.statusAt = time.Now()
	a.status = st
	return st
}

func (a *Adapter) Send(ctx context.Context, address string, msg kit.Message) (string, error) {
	chatID, err := parseAddress(address)
	if err != nil {
		return "", kit.Wrap(kit.KindBadRequest, "send", err)
	}

	// Refuse to issue the request when the caller's deadline already passed:
	// the send definitely did not happen, so this stays unambiguous.
	if err := ctx.Err(); err != nil {
		return "", kit.Wrap(kit.KindTimeout, "send", err)
	}

	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{
		ParseMode:             msg.ParseMode,
		DisableWebPagePreview: msg.DisablePreview,
	}

	var sent *tele.Message
	if msg.MediaURL != "" {
		photo := &tele.Photo{File: tele.FromURL(msg.MediaURL), Caption: msg.Text}
		sent, err = a.bot.Send(chat, photo, opt)
	} else {
		sent, err = a.bot.Send(chat, msg.Text, opt)
	}
	if err != nil {
		return "", kit.Wrap(classify(err, true), "send", err)
	}

	extID := formatExternalID(chatID, sent.ID)
	a.recordSent(extID)
	return extID, nil
}

func (a *Adapter) Edit(ctx context.Context, address string, externalID string, text string) error {
	chatID, msgID, err := parseExternalID(externalID)
	if err != nil {
		return kit.Wrap(kit.KindBadRequest, "edit", err)
	}
	if err := ctx.Err(); err != nil {
		return kit.Wrap(kit.KindTimeout, "edit", err)
	}

	ref := tele.StoredMessage{MessageID: strconv.Itoa(msgID), ChatID: chatID}
	if _, err := a.bot.Edit(ref, text); err != nil {
		// Editing a message twice with identical text comes back as a 400;
		// treat it as a no-op rather than a failure.
		var apiErr *tele.Error
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
			return nil
		}
		return kit.Wrap(classify(err, false), "edit", err)
	}
	return nil
}

// ConfirmSend resolves from the adapter's recent-send record. Telegram acks
// a send in the same API call, so a recorded id is already confirmed.
func (a *Adapter) ConfirmSend(ctx context.Context, externalID string, timeout time.Duration) (kit.Confirmation, error) {
	if _, _, err := parseExternalID(externalID); err != nil {
		return kit.Confirmation{}, kit.Wrap(kit.KindBadRequest, "confirm", err)
	}
	a.sentMu.Lock()
	_, ok := a.sentIDs[externalID]
	a.sentMu.Unlock()
	return kit.Confirmation{OK: ok, Via: "ack"}, nil
}

func (a *Adapter) recordSent(extID string) {
	a.sentMu.Lock()
	defer a.sentMu.Unlock()
	if _, exists := a.sentIDs[extID]; !exists {
		a.sentOrder = append(a.sentOrder, extID)
	}
	a.sentIDs[extID] = time.Now()
	for len(a.sentOrder) > sentRecordMax {
		old := a.sentOrder[0]
		a.sentOrder = a.sentOrder[1:]
		delete(a.sentIDs, old)
	}
}

// classify maps a telebot/network error to a transport kind.
//
// requestIssued distinguishes a timeout after the HTTP request went out
// (delivery unknown, ambiguous) from one before it (plain timeout).
func classify(err error, requestIssued bool) kit.ErrorKind {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.KindTimeout // retryable; pacing absorbs the flood wait
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return kit.KindAuth
		case apiErr.Code == 403:
			return kit.KindBadRequest // kicked/blocked: retrying cannot help
		case apiErr.Code >= 500:
			return kit.KindDisconnected
		case apiErr.Code >= 400:
			return kit.KindBadRequest
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		if requestIssued {
			return kit.KindAmbiguous
		}
		return kit.KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if requestIssued {
			return kit.KindAmbiguous
		}
		return kit.KindTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Connection-level failure: the request never reached Telegram.
		return kit.KindDisconnected
	}

	return kit.KindUnknown
}

func parseAddress(address string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid recipient address %q: %w", address, err)
	}
	return id, nil
}

func formatExternalID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func parseExternalID(s string) (chatID int64, messageID int, err error) {
	head, tail, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid external message id %q", s)
	}
	chatID, err = strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid external message id %q: %w", s, err)
	}
	messageID, err = strconv.Atoi(tail)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid external message id %q: %w", s, err)
	}
	return chatID, messageID, nil
}

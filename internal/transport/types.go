package transport

import (
	"context"
	"time"
)

// Status reports whether the transport session is usable right now.
type Status struct {
	Connected bool
	Detail    string
}

// Message is one outbound delivery unit.
type Message struct {
	Text           string
	ParseMode      string
	DisablePreview bool

	// MediaURL, when set, is sent as media with Text as the caption.
	MediaURL string
}

// Confirmation is the result of a post-send delivery check.
//
// Via names the confirmation path the adapter used: "ack" for transports
// that confirm synchronously, "echo" or "receipt" for two-phase transports.
type Confirmation struct {
	OK  bool
	Via string
}

// Adapter is the outbound messaging client.
//
// Recipients are addressed by an adapter-specific address string (for
// Telegram: the chat id, decimal). External message ids are opaque strings
// owned by the adapter; callers persist them and pass them back verbatim.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Status(ctx context.Context) Status
	Send(ctx context.Context, address string, msg Message) (externalID string, err error)
	Edit(ctx context.Context, address string, externalID string, text string) error
	ConfirmSend(ctx context.Context, externalID string, timeout time.Duration) (Confirmation, error)
}

package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure for the dispatch engine's
// retry decision. Adapters assign kinds; upstream code switches on them.
type ErrorKind int

const (
	// KindUnknown covers failures the adapter could not classify.
	// Treated as retryable.
	KindUnknown ErrorKind = iota

	// KindTimeout: the operation timed out before the transport accepted it.
	// Retryable.
	KindTimeout

	// KindDisconnected: the transport session is down. Retryable.
	KindDisconnected

	// KindAmbiguous: the send may have reached the recipient even though an
	// error was returned (e.g. an ack timeout after the request went out).
	// Never retried: a retry risks duplicate delivery.
	KindAmbiguous

	// KindAuth: the session/credentials are corrupt. Not retryable here;
	// recovery belongs to the transport layer.
	KindAuth

	// KindBadRequest: the transport rejected the request itself (bad chat id,
	// malformed content, message too old to edit). Not retryable.
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindAmbiguous:
		return "ambiguous"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// Retryable reports whether the dispatch engine may re-attempt a send that
// failed with this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindDisconnected, KindUnknown:
		return true
	default:
		return false
	}
}

// Error wraps an adapter failure with its classification.
type Error struct {
	Kind ErrorKind
	Op   string // "send", "edit", "confirm"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Hint returns an operator-facing recovery note for non-retryable kinds.
func (e *Error) Hint() string {
	switch e.Kind {
	case KindAuth:
		return "session invalid; re-link the transport account"
	case KindAmbiguous:
		return "delivery outcome unknown; not retried to avoid duplicates"
	default:
		return ""
	}
}

// KindOf extracts the ErrorKind from err, or KindUnknown when err carries
// no classification.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Wrap classifies err as kind for operation op. Nil in, nil out.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

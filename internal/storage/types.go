package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Queue entry status machine. Terminal states: sent, skipped, and failed
// once retry_count reached the configured maximum.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusSent       = "sent"
)

// Delivery modes.
const (
	ModeImmediate = "immediate"
	ModeBatched   = "batched"
	ModeCron      = "cron"
)

// Recipient kinds. Edits after send are only possible for kinds the
// transport can address by stored message id (groups and channels here).
const (
	RecipientGroup   = "group"
	RecipientChannel = "channel"
	RecipientUser    = "user"
)

// SkipReasonPaused marks rows skipped by an operator for a specific post.
// Such rows are never revived by latest-only enqueueing.
const SkipReasonPaused = "paused for this post"

type Source struct {
	ID              int64
	Name            string
	URL             string
	RefreshInterval time.Duration
	Active          bool
}

type ContentItem struct {
	ID          int64
	SourceID    int64
	ExternalKey string
	Title       string
	Body        string
	Link        string
	MediaURL    string
	PublishedAt time.Time // zero when the source gave none
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Sent        bool
}

type Recipient struct {
	ID      int64
	Name    string
	Address string
	Kind    string
	Active  bool
}

// SupportsEdit reports whether an already-sent message to this recipient
// can be corrected in place.
func (r Recipient) SupportsEdit() bool {
	return r.Kind == RecipientGroup || r.Kind == RecipientChannel
}

type Template struct {
	ID   int64
	Name string
	Body string
}

type Schedule struct {
	ID           int64
	Name         string
	SourceID     int64 // 0: no content source attached
	TemplateID   int64
	DeliveryMode string
	CronExpr     string
	BatchTimes   []string // "HH:MM" local times, batched mode
	Timezone     string
	Active       bool

	LastRunAt      time.Time
	NextRunAt      time.Time
	LastQueuedAt   time.Time // enqueue cursor (item publish/create time)
	LastQueuedItem int64     // cursor tiebreaker for equal timestamps
}

// HasRun reports whether this schedule ever completed a dispatch pass.
// Never-ran schedules enqueue latest-only instead of cursor catch-up.
func (s Schedule) HasRun() bool { return !s.LastRunAt.IsZero() }

type QueueEntry struct {
	ID                  int64
	ScheduleID          int64
	ItemID              int64 // 0: manually queued row with prefilled content
	RecipientID         int64
	TemplateID          int64
	Status              string
	RetryCount          int
	ProcessingStartedAt time.Time
	ErrorMessage        string
	SentAt              time.Time
	ExternalMessageID   string
	MessageContent      string
	MediaURL            string
	CreatedAt           time.Time
}

// QueueKey identifies the idempotency triple of a queue entry.
type QueueKey struct {
	ScheduleID  int64
	ItemID      int64
	RecipientID int64
}

// Lock is one advisory lease row.
type Lock struct {
	Resource  string
	Owner     string
	ExpiresAt time.Time
}

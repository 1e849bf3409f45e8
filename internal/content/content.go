// Package content defines the contract between the scheduler and whatever
// produces content items. Ingestion itself (feed polling, CMS webhooks)
// lives behind the Refresher interface so the scheduling core never cares
// where items come from.
package content

import (
	"context"
	"time"
)

// Item is one piece of content as produced by a refresher, keyed by the
// upstream system's identifier.
type Item struct {
	ExternalKey string
	Title       string
	Body        string
	Link        string
	MediaURL    string
	PublishedAt time.Time
}

// Refresher pulls the current item set for a source. Implementations must
// be safe for concurrent use; the orchestrator may refresh several sources
// at once.
type Refresher interface {
	// Refresh returns the source's items, newest state wins. Returning an
	// empty slice with a nil error means the source is reachable but empty.
	Refresh(ctx context.Context, sourceID int64, feedURL string) ([]Item, error)
}

// RefreshResult summarizes what a refresh changed in storage.
type RefreshResult struct {
	Fetched int
	New     []int64
	Updated []int64
}

// StaticRefresher serves a fixed item set. Useful for sources whose content
// is managed by hand and in tests.
type StaticRefresher struct {
	Items []Item
}

func (s StaticRefresher) Refresh(ctx context.Context, sourceID int64, feedURL string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Item, len(s.Items))
	copy(out, s.Items)
	return out, nil
}

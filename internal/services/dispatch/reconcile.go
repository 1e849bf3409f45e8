package dispatch

import (
	"context"
	"time"

	"feedcast/internal/observability/metrics"
	"feedcast/internal/storage"
	logx "feedcast/pkg/logx"
)

// refreshAndReconcile pulls the source's current items and, when any were
// edited upstream, reconciles recently-sent rows before new sends. All
// failures here are logged and swallowed: a broken source must not stop
// the dispatch pass.
func (e *Engine) refreshAndReconcile(ctx context.Context, rep *Report, sc storage.Schedule, recipients []storage.Recipient, now time.Time) {
	src, err := e.store.GetSource(ctx, sc.SourceID)
	if err != nil {
		e.log.Warn("load source failed", logx.Int64("source", sc.SourceID), logx.Err(err))
		return
	}
	items, err := e.refresher.Refresh(ctx, src.ID, src.URL)
	if err != nil {
		metrics.Refreshes.WithLabelValues("error").Inc()
		e.log.Warn("source refresh failed",
			logx.Int64("source", src.ID), logx.Err(err))
		return
	}
	metrics.Refreshes.WithLabelValues("ok").Inc()

	stored := make([]storage.ContentItem, len(items))
	for i, it := range items {
		stored[i] = storage.ContentItem{
			ExternalKey: it.ExternalKey,
			Title:       it.Title,
			Body:        it.Body,
			Link:        it.Link,
			MediaURL:    it.MediaURL,
			PublishedAt: it.PublishedAt,
		}
	}
	newIDs, updatedIDs, err := e.store.UpsertItems(ctx, src.ID, stored)
	if err != nil {
		e.log.Error("upsert items failed", logx.Int64("source", src.ID), logx.Err(err))
		return
	}
	if len(newIDs) > 0 || len(updatedIDs) > 0 {
		e.log.Info("source refreshed",
			logx.Int64("source", src.ID),
			logx.Int("new", len(newIDs)),
			logx.Int("updated", len(updatedIDs)))
	}
	if len(updatedIDs) > 0 {
		e.reconcileSent(ctx, rep, sc, recipients, updatedIDs, now)
	}
}

// reconcileSent re-renders recently-sent rows whose backing item changed
// and edits them in place where the recipient type and the edit window
// allow it. Outside the window, or for recipients that cannot be edited,
// the row is left alone: a resend would duplicate delivery.
func (e *Engine) reconcileSent(ctx context.Context, rep *Report, sc storage.Schedule, recipients []storage.Recipient, itemIDs []int64, now time.Time) {
	sent, err := e.store.SentEntriesForItems(ctx, sc.ID, itemIDs, now.Add(-e.cfg.CorrectionWindow))
	if err != nil {
		e.log.Error("load sent rows failed", logx.Int64("schedule", sc.ID), logx.Err(err))
		return
	}
	if len(sent) == 0 {
		return
	}

	byID := make(map[int64]storage.Recipient, len(recipients))
	for _, r := range recipients {
		byID[r.ID] = r
	}

	for _, row := range sent {
		r, ok := byID[row.RecipientID]
		if !ok {
			continue // recipient since deactivated
		}
		text, _, err := e.render(ctx, sc, row)
		if err != nil {
			e.log.Warn("re-render failed", logx.Int64("entry", row.ID), logx.Err(err))
			continue
		}
		if text == row.MessageContent {
			continue
		}
		if now.Sub(row.SentAt) > e.cfg.EditWindow {
			e.log.Debug("edit window closed",
				logx.Int64("entry", row.ID),
				logx.Time("sent_at", row.SentAt))
			continue
		}
		if !r.SupportsEdit() {
			e.log.Debug("recipient kind not editable",
				logx.Int64("entry", row.ID), logx.String("kind", r.Kind))
			continue
		}
		if row.ExternalMessageID == "" {
			continue
		}

		if err := e.adapter.Edit(ctx, r.Address, row.ExternalMessageID, text); err != nil {
			metrics.Edits.WithLabelValues("failed").Inc()
			e.log.Warn("edit failed", logx.Int64("entry", row.ID), logx.Err(err))
			continue
		}
		if err := e.store.UpdateEntryContent(ctx, row.ID, text); err != nil {
			e.log.Error("store edited content failed", logx.Int64("entry", row.ID), logx.Err(err))
			continue
		}
		rep.Edited++
		metrics.Edits.WithLabelValues("ok").Inc()
		e.log.Info("sent message corrected",
			logx.Int64("entry", row.ID),
			logx.Int64("item", row.ItemID))
	}
}

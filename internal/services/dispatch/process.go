package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"feedcast/internal/observability/metrics"
	"feedcast/internal/storage"
	"feedcast/internal/transport"
	logx "feedcast/pkg/logx"
)

// processRecipient claims and delivers one recipient's pending rows in
// content-time order. Claim losses mean another instance got there first
// and are silently fine.
func (e *Engine) processRecipient(ctx context.Context, rep *Report, sc storage.Schedule, r storage.Recipient) {
	rows, err := e.store.PendingEntries(ctx, sc.ID, r.ID)
	if err != nil {
		e.log.Error("load pending failed",
			logx.Int64("schedule", sc.ID),
			logx.Int64("recipient", r.ID), logx.Err(err))
		return
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		claimed, err := e.store.ClaimEntry(ctx, row.ID)
		if err != nil {
			e.log.Error("claim failed", logx.Int64("entry", row.ID), logx.Err(err))
			continue
		}
		if !claimed {
			continue
		}
		e.deliver(ctx, rep, sc, r, row)
	}
}

// deliver renders and sends one claimed row and records the outcome.
func (e *Engine) deliver(ctx context.Context, rep *Report, sc storage.Schedule, r storage.Recipient, row storage.QueueEntry) {
	text, mediaURL, err := e.render(ctx, sc, row)
	if err != nil {
		// Misconfiguration (missing item, template, content). Permanent.
		e.markFailed(ctx, rep, row, row.RetryCount, "configuration: "+err.Error())
		return
	}

	if err := e.pacer.Acquire(ctx, r.Address); err != nil {
		// Shutdown mid-claim. Put the row back without burning a retry;
		// the trigger context is gone, so restore on a fresh one.
		restore, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rqErr := e.store.RequeueEntry(restore, row.ID, row.RetryCount, "interrupted before send"); rqErr != nil {
			e.log.Error("requeue on shutdown failed", logx.Int64("entry", row.ID), logx.Err(rqErr))
		}
		return
	}

	start := time.Now()
	extID, err := e.adapter.Send(ctx, r.Address, transport.Message{Text: text, MediaURL: mediaURL})
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.recordSendFailure(ctx, rep, row, err)
		return
	}

	if err := e.store.MarkEntrySent(ctx, row.ID, extID, text); err != nil {
		e.log.Error("mark sent failed", logx.Int64("entry", row.ID), logx.Err(err))
		return
	}
	rep.Sent++
	metrics.Sends.WithLabelValues("sent").Inc()

	if row.ItemID != 0 {
		if err := e.store.MarkItemSent(ctx, row.ItemID); err != nil {
			e.log.Warn("mark item sent failed", logx.Int64("item", row.ItemID), logx.Err(err))
		}
	}
	if conf, err := e.adapter.ConfirmSend(ctx, extID, e.cfg.ConfirmTimeout); err == nil && conf.OK {
		e.log.Debug("delivery confirmed",
			logx.Int64("entry", row.ID), logx.String("via", conf.Via))
	}
}

// recordSendFailure classifies a transport error and updates the row.
func (e *Engine) recordSendFailure(ctx context.Context, rep *Report, row storage.QueueEntry, sendErr error) {
	kind := transport.KindOf(sendErr)

	if kind.Retryable() {
		retry := row.RetryCount + 1
		if retry >= e.cfg.MaxRetries {
			e.markFailed(ctx, rep, row, retry,
				fmt.Sprintf("send failed after %d attempts: %v", retry, sendErr))
			return
		}
		msg := fmt.Sprintf("send failed (retry %d/%d): %v", retry, e.cfg.MaxRetries, sendErr)
		if err := e.store.RequeueEntry(ctx, row.ID, retry, msg); err != nil {
			e.log.Error("requeue failed", logx.Int64("entry", row.ID), logx.Err(err))
			return
		}
		rep.Requeued++
		metrics.Sends.WithLabelValues("requeued").Inc()
		e.log.Warn("send requeued",
			logx.Int64("entry", row.ID),
			logx.Int("retry", retry), logx.Err(sendErr))
		return
	}

	msg := fmt.Sprintf("send failed (%s): %v", kind, sendErr)
	var te *transport.Error
	if errors.As(sendErr, &te) {
		if hint := te.Hint(); hint != "" {
			msg += "; " + hint
		}
	}
	e.markFailed(ctx, rep, row, row.RetryCount, msg)
}

func (e *Engine) markFailed(ctx context.Context, rep *Report, row storage.QueueEntry, retry int, msg string) {
	if err := e.store.MarkEntryFailed(ctx, row.ID, retry, msg); err != nil {
		e.log.Error("mark failed failed", logx.Int64("entry", row.ID), logx.Err(err))
		return
	}
	rep.Failed++
	metrics.Sends.WithLabelValues("failed").Inc()
	e.log.Warn("entry failed",
		logx.Int64("entry", row.ID), logx.String("reason", msg))
}

// render produces the outgoing text and media for a row. Errors here are
// configuration errors: permanent, never retried.
func (e *Engine) render(ctx context.Context, sc storage.Schedule, row storage.QueueEntry) (text, mediaURL string, err error) {
	if row.ItemID == 0 {
		if strings.TrimSpace(row.MessageContent) == "" {
			return "", "", errors.New("manual row has no content")
		}
		return row.MessageContent, row.MediaURL, nil
	}

	item, err := e.store.GetItem(ctx, row.ItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", "", fmt.Errorf("content item %d missing", row.ItemID)
	}
	if err != nil {
		return "", "", fmt.Errorf("load item %d: %w", row.ItemID, err)
	}

	mediaURL = item.MediaURL
	if row.MediaURL != "" {
		mediaURL = row.MediaURL
	}

	tmplID := row.TemplateID
	if tmplID == 0 {
		tmplID = sc.TemplateID
	}
	if tmplID == 0 {
		return defaultRender(item), mediaURL, nil
	}

	tmpl, err := e.store.GetTemplate(ctx, tmplID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", "", fmt.Errorf("template %d missing", tmplID)
	}
	if err != nil {
		return "", "", fmt.Errorf("load template %d: %w", tmplID, err)
	}

	text, err = executeTemplate(tmpl, item)
	if err != nil {
		return "", "", err
	}
	return text, mediaURL, nil
}

// templateData is what schedule templates may reference.
type templateData struct {
	Title string
	Body  string
	Link  string
}

func executeTemplate(tmpl storage.Template, item storage.ContentItem) (string, error) {
	t, err := template.New(tmpl.Name).Parse(tmpl.Body)
	if err != nil {
		return "", fmt.Errorf("template %q: %w", tmpl.Name, err)
	}
	var sb strings.Builder
	err = t.Execute(&sb, templateData{Title: item.Title, Body: item.Body, Link: item.Link})
	if err != nil {
		return "", fmt.Errorf("template %q: %w", tmpl.Name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// defaultRender is the no-template fallback: title, body, link, separated
// by blank lines, empty parts omitted.
func defaultRender(item storage.ContentItem) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{item.Title, item.Body, item.Link} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, "\n\n")
}

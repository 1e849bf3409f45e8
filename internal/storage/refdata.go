package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ---- sources ----

func (s *Store) CreateSource(ctx context.Context, src Source) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sources(name, url, refresh_interval_sec, active) VALUES(?,?,?,?)`,
		src.Name, src.URL, int64(src.RefreshInterval.Seconds()), src.Active)
	if err != nil {
		return 0, fmt.Errorf("insert source: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetSource(ctx context.Context, id int64) (Source, error) {
	var src Source
	var sec int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, refresh_interval_sec, active FROM sources WHERE id = ?`, id).
		Scan(&src.ID, &src.Name, &src.URL, &sec, &src.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, err
	}
	src.RefreshInterval = time.Duration(sec) * time.Second
	return src, nil
}

func (s *Store) ListActiveSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, refresh_interval_sec, active FROM sources WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var sec int64
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &sec, &src.Active); err != nil {
			return nil, err
		}
		src.RefreshInterval = time.Duration(sec) * time.Second
		out = append(out, src)
	}
	return out, rows.Err()
}

// ---- content items ----

const itemColumns = `id, source_id, external_key, title, body, link, media_url,
	published_at, created_at, updated_at, sent`

// UpsertItems stores refreshed items for a source, keyed by external_key.
// It returns the ids of genuinely new items and of existing items whose
// content changed (the latter feed post-send reconciliation).
func (s *Store) UpsertItems(ctx context.Context, sourceID int64, items []ContentItem) (newIDs, updatedIDs []int64, err error) {
	now := time.Now()
	for _, it := range items {
		var existingID int64
		var title, body, link, media string
		err := s.db.QueryRowContext(ctx,
			`SELECT id, title, body, link, media_url FROM content_items
			 WHERE source_id = ? AND external_key = ?`,
			sourceID, it.ExternalKey).Scan(&existingID, &title, &body, &link, &media)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created := it.CreatedAt
			if created.IsZero() {
				created = now
			}
			res, err := s.db.ExecContext(ctx,
				`INSERT INTO content_items
				   (source_id, external_key, title, body, link, media_url, published_at, created_at)
				 VALUES (?,?,?,?,?,?,?,?)`,
				sourceID, it.ExternalKey, it.Title, it.Body, it.Link, it.MediaURL,
				millis(it.PublishedAt), created.UnixMilli())
			if err != nil {
				return newIDs, updatedIDs, fmt.Errorf("insert item: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return newIDs, updatedIDs, err
			}
			newIDs = append(newIDs, id)
		case err != nil:
			return newIDs, updatedIDs, err
		default:
			if title == it.Title && body == it.Body && link == it.Link && media == it.MediaURL {
				continue
			}
			if _, err := s.db.ExecContext(ctx,
				`UPDATE content_items
				 SET title = ?, body = ?, link = ?, media_url = ?, updated_at = ?
				 WHERE id = ?`,
				it.Title, it.Body, it.Link, it.MediaURL, now.UnixMilli(), existingID); err != nil {
				return newIDs, updatedIDs, fmt.Errorf("update item: %w", err)
			}
			updatedIDs = append(updatedIDs, existingID)
		}
	}
	return newIDs, updatedIDs, nil
}

// ItemsAfter pages through a source's items in (content time, id) order,
// strictly after the given cursor. Content time is publish time when the
// source provides one, otherwise the item's creation time.
func (s *Store) ItemsAfter(ctx context.Context, sourceID int64, after time.Time, afterID int64, limit int) ([]ContentItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE source_id = ?
		   AND (COALESCE(published_at, created_at) > ?
		        OR (COALESCE(published_at, created_at) = ? AND id > ?))
		 ORDER BY COALESCE(published_at, created_at) ASC, id ASC
		 LIMIT ?`,
		sourceID, after.UnixMilli(), after.UnixMilli(), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// LatestItem returns the most recent item for a source, or ErrNotFound.
func (s *Store) LatestItem(ctx context.Context, sourceID int64) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE source_id = ?
		 ORDER BY COALESCE(published_at, created_at) DESC, id DESC
		 LIMIT 1`, sourceID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, ErrNotFound
	}
	return it, err
}

func (s *Store) GetItem(ctx context.Context, id int64) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, ErrNotFound
	}
	return it, err
}

// MarkItemSent flags the item as delivered at least once. Best-effort
// bookkeeping; dispatch ignores failures here.
func (s *Store) MarkItemSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE content_items SET sent = 1 WHERE id = ?`, id)
	return err
}

func scanItem(r rowScanner) (ContentItem, error) {
	var it ContentItem
	var pub, upd sql.NullInt64
	var created int64
	err := r.Scan(&it.ID, &it.SourceID, &it.ExternalKey, &it.Title, &it.Body, &it.Link,
		&it.MediaURL, &pub, &created, &upd, &it.Sent)
	if err != nil {
		return ContentItem{}, err
	}
	it.PublishedAt = timeOf(pub)
	it.CreatedAt = time.UnixMilli(created)
	it.UpdatedAt = timeOf(upd)
	return it, nil
}

func scanItems(rows *sql.Rows) ([]ContentItem, error) {
	var out []ContentItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---- recipients ----

func (s *Store) CreateRecipient(ctx context.Context, r Recipient) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(name, address, kind, active) VALUES(?,?,?,?)`,
		r.Name, r.Address, r.Kind, r.Active)
	if err != nil {
		return 0, fmt.Errorf("insert recipient: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetRecipient(ctx context.Context, id int64) (Recipient, error) {
	var r Recipient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, kind, active FROM recipients WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Address, &r.Kind, &r.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	return r, err
}

// ---- templates ----

func (s *Store) CreateTemplate(ctx context.Context, t Template) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(name, body) VALUES(?,?)`, t.Name, t.Body)
	if err != nil {
		return 0, fmt.Errorf("insert template: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, body FROM templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	return t, err
}

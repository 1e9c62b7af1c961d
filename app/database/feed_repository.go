package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ FeedRepository = (*FeedRepo)(nil)

const feedColumns = `id, url, title, description, link, disabled, newest_item_date,
	last_validated_at, last_parsed_at, status, status_text, last_error, metadata,
	created_at, updated_at`

// FeedRepo handles database operations for feeds
type FeedRepo struct {
	db *DB
}

func NewFeedRepository(db *DB) *FeedRepo {
	return &FeedRepo{db: db}
}

func (r *FeedRepo) ListFeeds(ctx context.Context) ([]Feed, error) {
	var rows []feedRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+feedColumns+` FROM feeds ORDER BY id`)
	if err != nil {
		return nil, storeErr("list feeds", err)
	}

	feeds := make([]Feed, 0, len(rows))
	for _, row := range rows {
		feeds = append(feeds, row.toFeed())
	}
	return feeds, nil
}

// UpsertFeed inserts a subscription or merges non-empty fields into the
// existing row with the same URL. Returns the feed id either way.
func (r *FeedRepo) UpsertFeed(ctx context.Context, feed Feed) (int64, error) {
	now := time.Now().UTC().UnixMilli()

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO feeds (url, title, description, link, disabled, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			title = COALESCE(excluded.title, feeds.title),
			description = COALESCE(excluded.description, feeds.description),
			link = COALESCE(excluded.link, feeds.link),
			updated_at = excluded.updated_at
		RETURNING id
	`, feed.URL, nullString(feed.Title), nullString(feed.Description), nullString(feed.Link),
		feed.Disabled, feed.Metadata, now, now).Scan(&id)
	if err != nil {
		return 0, storeErr("upsert feed", err)
	}

	return id, nil
}

// UpdateFetchedFeed persists the outcome of a poll attempt.
func (r *FeedRepo) UpdateFetchedFeed(ctx context.Context, feed Feed) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE feeds SET
			title = ?, description = ?, link = ?,
			newest_item_date = ?, last_validated_at = ?, last_parsed_at = ?,
			status = ?, status_text = ?, last_error = ?, metadata = ?,
			updated_at = ?
		WHERE id = ?
	`, nullString(feed.Title), nullString(feed.Description), nullString(feed.Link),
		toMillis(feed.NewestItemDate), toMillis(feed.LastValidatedAt), toMillis(feed.LastParsedAt),
		feed.Status, nullString(feed.StatusText), nullString(feed.LastError), feed.Metadata,
		time.Now().UTC().UnixMilli(), feed.ID)
	if err != nil {
		return storeErr("update fetched feed", err)
	}

	return nil
}

func (r *FeedRepo) SetFeedDisabled(ctx context.Context, feedID int64, disabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE feeds SET disabled = ?, updated_at = ? WHERE id = ?`,
		disabled, time.Now().UTC().UnixMilli(), feedID)
	if err != nil {
		return storeErr("set feed disabled", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("set feed disabled", err)
	}
	if affected == 0 {
		return storeErr("set feed disabled", sql.ErrNoRows)
	}

	return nil
}

// FetchFeedByID returns nil when no feed has the id.
func (r *FeedRepo) FetchFeedByID(ctx context.Context, feedID int64) (*Feed, error) {
	return r.fetchOne(ctx, "fetch feed by id", `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, feedID)
}

func (r *FeedRepo) FetchFeedByURL(ctx context.Context, url string) (*Feed, error) {
	return r.fetchOne(ctx, "fetch feed by url", `SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url)
}

// ListRecentlyUpdatedFeeds returns feeds whose newest item falls within
// maxAge, most recently updated first. A non-positive maxAge disables the
// date filter and includes feeds without items.
func (r *FeedRepo) ListRecentlyUpdatedFeeds(ctx context.Context, limit int, maxAge time.Duration) ([]Feed, error) {
	var cutoff int64
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge).UnixMilli()
	}

	var rows []feedRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+feedColumns+` FROM feeds
		WHERE disabled = 0 AND (? = 0 OR newest_item_date >= ?)
		ORDER BY newest_item_date DESC, id
		LIMIT ?
	`, cutoff, cutoff, limit)
	if err != nil {
		return nil, storeErr("list recently updated feeds", err)
	}

	feeds := make([]Feed, 0, len(rows))
	for _, row := range rows {
		feeds = append(feeds, row.toFeed())
	}
	return feeds, nil
}

func (r *FeedRepo) fetchOne(ctx context.Context, op, query string, args ...any) (*Feed, error) {
	var row feedRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(op, err)
	}

	feed := row.toFeed()
	return &feed, nil
}

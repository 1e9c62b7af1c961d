package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

var _ ItemRepository = (*ItemRepo)(nil)

const itemColumns = `id, feed_id, guid, date, title, link, author, summary, content,
	thumbnail_url, thumbnail_updated_at, first_seen_at, last_seen_at, metadata,
	created_at, updated_at`

// Keeps IN (...) lists well under SQLite's bound parameter limit.
const inChunkSize = 500

// ItemRepo handles database operations for feed items
type ItemRepo struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepo {
	return &ItemRepo{db: db}
}

func (r *ItemRepo) FetchFeedItemGUIDs(ctx context.Context, feedID int64) ([]string, error) {
	var guids []string
	err := r.db.SelectContext(ctx, &guids, `SELECT guid FROM feed_items WHERE feed_id = ? ORDER BY id`, feedID)
	if err != nil {
		return nil, storeErr("fetch feed item guids", err)
	}
	return guids, nil
}

// UpsertFeedItem inserts an item or merges it into the row with the same
// (feed_id, guid). FirstSeenAt is kept from the original insert.
func (r *ItemRepo) UpsertFeedItem(ctx context.Context, item FeedItem) (int64, error) {
	now := time.Now().UTC()
	firstSeen := item.FirstSeenAt
	if firstSeen == nil {
		firstSeen = &now
	}

	metadata := string(item.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO feed_items (
			feed_id, guid, date, title, link, author, summary, content,
			first_seen_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_id, guid) DO UPDATE SET
			date = excluded.date,
			title = excluded.title,
			link = excluded.link,
			author = excluded.author,
			summary = excluded.summary,
			content = excluded.content,
			metadata = excluded.metadata,
			last_seen_at = NULL,
			updated_at = excluded.updated_at
		RETURNING id
	`, item.FeedID, item.GUID, item.Date.UnixMilli(), nullString(item.Title), nullString(item.Link),
		nullString(item.Author), nullString(item.Summary), nullString(item.Content),
		toMillis(firstSeen), metadata, now.UnixMilli(), now.UnixMilli()).Scan(&id)
	if err != nil {
		return 0, storeErr("upsert feed item", err)
	}

	return id, nil
}

// MarkFeedItemsDefunct stamps LastSeenAt on the given items unless an
// earlier disappearance was already recorded.
func (r *ItemRepo) MarkFeedItemsDefunct(ctx context.Context, feedID int64, guids []string, at time.Time) (int64, error) {
	return r.updateByGUIDs(ctx, "mark feed items defunct", guids, func(chunk []string) (string, []any, error) {
		return sqlx.In(`
			UPDATE feed_items SET last_seen_at = ?, updated_at = ?
			WHERE feed_id = ? AND last_seen_at IS NULL AND guid IN (?)
		`, at.UnixMilli(), time.Now().UTC().UnixMilli(), feedID, chunk)
	})
}

// MarkFeedItemsSeen clears LastSeenAt for items that reappeared in their source.
func (r *ItemRepo) MarkFeedItemsSeen(ctx context.Context, feedID int64, guids []string) (int64, error) {
	return r.updateByGUIDs(ctx, "mark feed items seen", guids, func(chunk []string) (string, []any, error) {
		return sqlx.In(`
			UPDATE feed_items SET last_seen_at = NULL, updated_at = ?
			WHERE feed_id = ? AND last_seen_at IS NOT NULL AND guid IN (?)
		`, time.Now().UTC().UnixMilli(), feedID, chunk)
	})
}

func (r *ItemRepo) updateByGUIDs(ctx context.Context, op string, guids []string, build func([]string) (string, []any, error)) (int64, error) {
	var total int64
	for _, chunk := range lo.Chunk(guids, inChunkSize) {
		query, args, err := build(chunk)
		if err != nil {
			return total, storeErr(op, err)
		}

		res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
		if err != nil {
			return total, storeErr(op, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, storeErr(op, err)
		}
		total += affected
	}
	return total, nil
}

// FetchFeedItemByID returns nil when no item has the id.
func (r *ItemRepo) FetchFeedItemByID(ctx context.Context, id int64) (*FeedItem, error) {
	var row feedItemRow
	err := r.db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM feed_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("fetch feed item by id", err)
	}

	item := row.toFeedItem()
	return &item, nil
}

// FetchFeedItemsByIDs returns the items in the order of ids. Unknown ids are
// left out.
func (r *ItemRepo) FetchFeedItemsByIDs(ctx context.Context, ids []int64) ([]FeedItem, error) {
	found := make(map[int64]FeedItem, len(ids))
	for _, chunk := range lo.Chunk(lo.Uniq(ids), inChunkSize) {
		query, args, err := sqlx.In(`SELECT `+itemColumns+` FROM feed_items WHERE id IN (?)`, chunk)
		if err != nil {
			return nil, storeErr("fetch feed items by ids", err)
		}

		var rows []feedItemRow
		if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
			return nil, storeErr("fetch feed items by ids", err)
		}
		for _, row := range rows {
			found[row.ID] = row.toFeedItem()
		}
	}

	return lo.FilterMap(ids, func(id int64, _ int) (FeedItem, bool) {
		item, ok := found[id]
		return item, ok
	}), nil
}

// FetchFeedItemsByFeed returns the newest items of a feed dated within maxAge.
// A non-positive maxAge disables the date filter.
func (r *ItemRepo) FetchFeedItemsByFeed(ctx context.Context, feedID int64, limit int, maxAge time.Duration) ([]FeedItem, error) {
	var cutoff int64
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge).UnixMilli()
	}

	var rows []feedItemRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+itemColumns+` FROM feed_items
		WHERE feed_id = ? AND date >= ?
		ORDER BY date DESC, id DESC
		LIMIT ?
	`, feedID, cutoff, limit)
	if err != nil {
		return nil, storeErr("fetch feed items by feed", err)
	}

	return lo.Map(rows, func(row feedItemRow, _ int) FeedItem {
		return row.toFeedItem()
	}), nil
}

func (r *ItemRepo) CountFeedItems(ctx context.Context, feedID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM feed_items WHERE feed_id = ?`, feedID)
	if err != nil {
		return 0, storeErr("count feed items", err)
	}
	return count, nil
}

// UpdateFeedItemThumbnail records the outcome of thumbnail discovery. An
// empty URL is stored as NULL, meaning "checked, none found".
func (r *ItemRepo) UpdateFeedItemThumbnail(ctx context.Context, id int64, thumbnailURL string) error {
	now := time.Now().UTC().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		UPDATE feed_items SET thumbnail_url = ?, thumbnail_updated_at = ?, updated_at = ?
		WHERE id = ?
	`, nullString(thumbnailURL), now, now, id)
	if err != nil {
		return storeErr("update feed item thumbnail", err)
	}
	return nil
}

// ListFeedItemIDsWithoutThumbnails lists items never checked for a thumbnail.
func (r *ItemRepo) ListFeedItemIDsWithoutThumbnails(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM feed_items
		WHERE thumbnail_updated_at IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, storeErr("list feed item ids without thumbnails", err)
	}
	return ids, nil
}

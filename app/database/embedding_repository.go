package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

var _ EmbeddingRepository = (*EmbeddingRepo)(nil)

var ErrEmptyVector = errors.New("embedding vector is empty")

type EmbeddingRepo struct {
	db *DB
}

func NewEmbeddingRepository(db *DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

func (r *EmbeddingRepo) ListFeedItemIDsWithoutEmbeddings(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT i.id FROM feed_items i
		LEFT JOIN feed_item_embeddings e ON e.feed_item_id = i.id
		WHERE e.feed_item_id IS NULL
		ORDER BY i.id
	`)
	if err != nil {
		return nil, storeErr("list feed item ids without embeddings", err)
	}
	return ids, nil
}

// ListEmbeddedFeedItemIDs returns the subset of ids that already have a vector.
func (r *EmbeddingRepo) ListEmbeddedFeedItemIDs(ctx context.Context, ids []int64) ([]int64, error) {
	var embedded []int64
	for _, chunk := range lo.Chunk(ids, inChunkSize) {
		query, args, err := sqlx.In(`SELECT feed_item_id FROM feed_item_embeddings WHERE feed_item_id IN (?)`, chunk)
		if err != nil {
			return nil, storeErr("list embedded feed item ids", err)
		}

		var found []int64
		if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
			return nil, storeErr("list embedded feed item ids", err)
		}
		embedded = append(embedded, found...)
	}
	return embedded, nil
}

func (r *EmbeddingRepo) HasEmbedding(ctx context.Context, id int64) (bool, error) {
	embedded, err := r.ListEmbeddedFeedItemIDs(ctx, []int64{id})
	if err != nil {
		return false, err
	}
	return len(embedded) > 0, nil
}

// InsertFeedItemEmbeddings stores all vectors in one transaction. Items that
// already have a vector keep it.
func (r *EmbeddingRepo) InsertFeedItemEmbeddings(ctx context.Context, embeddings []Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	for _, e := range embeddings {
		if len(e.Vector) == 0 {
			return storeErr("insert feed item embeddings", fmt.Errorf("item %d: %w", e.FeedItemID, ErrEmptyVector))
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("insert feed item embeddings", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	for _, e := range embeddings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feed_item_embeddings (feed_item_id, dimensions, embedding, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (feed_item_id) DO NOTHING
		`, e.FeedItemID, len(e.Vector), EncodeVector(e.Vector), now)
		if err != nil {
			return storeErr("insert feed item embeddings", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("insert feed item embeddings", err)
	}
	return nil
}

type embeddingRow struct {
	FeedItemID int64  `db:"feed_item_id"`
	Embedding  []byte `db:"embedding"`
}

// FindFeedItemIDsByEmbedding ranks stored vectors by cosine distance to the
// query, closest first. Only items dated within maxAge are considered, and a
// non-positive maxAge disables that filter. Vectors of another dimension are
// skipped. Equal distances keep storage order.
func (r *EmbeddingRepo) FindFeedItemIDsByEmbedding(ctx context.Context, vector []float32, limit int, maxAge time.Duration) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, storeErr("find feed item ids by embedding", ErrEmptyVector)
	}

	var cutoff int64
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge).UnixMilli()
	}

	var rows []embeddingRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT e.feed_item_id, e.embedding
		FROM feed_item_embeddings e
		JOIN feed_items i ON i.id = e.feed_item_id
		WHERE i.date >= ? AND e.dimensions = ?
		ORDER BY e.feed_item_id
	`, cutoff, len(vector))
	if err != nil {
		return nil, storeErr("find feed item ids by embedding", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		stored, err := DecodeVector(row.Embedding)
		if err != nil {
			return nil, storeErr("find feed item ids by embedding", fmt.Errorf("item %d: %w", row.FeedItemID, err))
		}
		results = append(results, SearchResult{
			FeedItemID: row.FeedItemID,
			Distance:   CosineDistance(vector, stored),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

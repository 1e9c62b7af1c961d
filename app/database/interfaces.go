package database

import (
	"context"
	"time"
)

type FeedRepository interface {
	ListFeeds(ctx context.Context) ([]Feed, error)
	UpsertFeed(ctx context.Context, feed Feed) (int64, error)
	UpdateFetchedFeed(ctx context.Context, feed Feed) error
	SetFeedDisabled(ctx context.Context, feedID int64, disabled bool) error
	FetchFeedByID(ctx context.Context, feedID int64) (*Feed, error)
	FetchFeedByURL(ctx context.Context, url string) (*Feed, error)
	ListRecentlyUpdatedFeeds(ctx context.Context, limit int, maxAge time.Duration) ([]Feed, error)
}

type ItemRepository interface {
	FetchFeedItemGUIDs(ctx context.Context, feedID int64) ([]string, error)
	UpsertFeedItem(ctx context.Context, item FeedItem) (int64, error)
	MarkFeedItemsDefunct(ctx context.Context, feedID int64, guids []string, at time.Time) (int64, error)
	MarkFeedItemsSeen(ctx context.Context, feedID int64, guids []string) (int64, error)

	FetchFeedItemByID(ctx context.Context, id int64) (*FeedItem, error)
	FetchFeedItemsByIDs(ctx context.Context, ids []int64) ([]FeedItem, error)
	FetchFeedItemsByFeed(ctx context.Context, feedID int64, limit int, maxAge time.Duration) ([]FeedItem, error)
	CountFeedItems(ctx context.Context, feedID int64) (int, error)

	UpdateFeedItemThumbnail(ctx context.Context, id int64, thumbnailURL string) error
	ListFeedItemIDsWithoutThumbnails(ctx context.Context) ([]int64, error)
}

type EmbeddingRepository interface {
	ListFeedItemIDsWithoutEmbeddings(ctx context.Context) ([]int64, error)
	ListEmbeddedFeedItemIDs(ctx context.Context, ids []int64) ([]int64, error)
	HasEmbedding(ctx context.Context, id int64) (bool, error)
	InsertFeedItemEmbeddings(ctx context.Context, embeddings []Embedding) error
	FindFeedItemIDsByEmbedding(ctx context.Context, vector []float32, limit int, maxAge time.Duration) ([]SearchResult, error)
}

package api

import (
	"context"
	"time"

	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/embedding"
	"github.com/lysyi3m/feeder/app/feed"
)

type SearcherInterface interface {
	RunText(ctx context.Context, prompt string, limit int, maxAge time.Duration) ([]int64, error)
}

type ExtractorInterface interface {
	Run(ctx context.Context, pageURL string, timeout time.Duration) (string, error)
}

var (
	_ SearcherInterface  = (*embedding.Searcher)(nil)
	_ ExtractorInterface = (*feed.ContentExtractor)(nil)
)

type Handler struct {
	feedRepo       database.FeedRepository
	itemRepo       database.ItemRepository
	searcher       SearcherInterface
	extractor      ExtractorInterface
	extractTimeout time.Duration
	version        string
}

type FeedResponse struct {
	ID             int64      `json:"id"`
	URL            string     `json:"url"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Link           string     `json:"link,omitempty"`
	Disabled       bool       `json:"disabled"`
	NewestItemDate *time.Time `json:"newest_item_date,omitempty"`
	LastValidated  *time.Time `json:"last_validated_at,omitempty"`
	LastParsed     *time.Time `json:"last_parsed_at,omitempty"`
	Status         int        `json:"status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	ItemCount      *int       `json:"item_count,omitempty"`
}

type ItemResponse struct {
	ID           int64      `json:"id"`
	FeedID       int64      `json:"feed_id"`
	GUID         string     `json:"guid"`
	Date         time.Time  `json:"date"`
	Title        string     `json:"title"`
	Link         string     `json:"link,omitempty"`
	Author       string     `json:"author,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Text         string     `json:"text,omitempty"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

type SearchRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Limit  int    `json:"limit"`
	MaxAge string `json:"max_age"`
}

type ArticleResponse struct {
	ItemID int64  `json:"item_id"`
	Link   string `json:"link"`
	Text   string `json:"text"`
}

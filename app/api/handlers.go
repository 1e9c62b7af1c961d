package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/embedding"
)

const (
	defaultFeedsLimit  = 25
	defaultFeedsMaxAge = 24 * time.Hour
	defaultItemsLimit  = 100
	defaultItemsMaxAge = 3 * 24 * time.Hour
	defaultSearchLimit = 50
	defaultSearchAge   = 3 * 24 * time.Hour
	maxLimit           = 500
)

func NewHandler(feedRepo database.FeedRepository, itemRepo database.ItemRepository,
	searcher SearcherInterface, extractor ExtractorInterface, extractTimeout time.Duration, version string) *Handler {
	return &Handler{
		feedRepo:       feedRepo,
		itemRepo:       itemRepo,
		searcher:       searcher,
		extractor:      extractor,
		extractTimeout: extractTimeout,
		version:        version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]any{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"version":   h.version,
	}

	if feeds, err := h.feedRepo.ListFeeds(c.Request.Context()); err == nil {
		health["feeds"] = len(feeds)
	} else {
		slog.Error("Database error", "operation", "list_feeds", "error", err)
		health["database"] = "unavailable"
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	limit, maxAge, ok := queryWindow(c, defaultFeedsLimit, defaultFeedsMaxAge)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	feeds, err := h.feedRepo.ListRecentlyUpdatedFeeds(ctx, limit, maxAge)
	if err != nil {
		slog.Error("Database error", "operation", "list_recently_updated_feeds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	response := make([]FeedResponse, 0, len(feeds))
	for _, f := range feeds {
		info := toFeedResponse(f)
		if count, err := h.itemRepo.CountFeedItems(ctx, f.ID); err == nil {
			info.ItemCount = &count
		}
		response = append(response, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds": response,
		"total": len(response),
	})
}

func (h *Handler) APIGetFeed(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	limit, maxAge, ok := queryWindow(c, defaultItemsLimit, defaultItemsMaxAge)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	f, err := h.feedRepo.FetchFeedByID(ctx, id)
	if err != nil {
		slog.Error("Database error", "operation", "fetch_feed", "feed_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
		return
	}

	items, err := h.itemRepo.FetchFeedItemsByFeed(ctx, id, limit, maxAge)
	if err != nil {
		slog.Error("Database error", "operation", "fetch_feed_items", "feed_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	info := toFeedResponse(*f)
	if count, err := h.itemRepo.CountFeedItems(ctx, id); err == nil {
		info.ItemCount = &count
	}

	c.JSON(http.StatusOK, gin.H{
		"feed":  info,
		"items": lo.Map(items, func(item database.FeedItem, _ int) ItemResponse { return toItemResponse(item) }),
	})
}

func (h *Handler) APISearch(c *gin.Context) {
	if h.searcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search is not configured"})
		return
	}

	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
		return
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": "prompt is empty"})
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxLimit)

	maxAge := defaultSearchAge
	if req.MaxAge != "" {
		parsed, err := time.ParseDuration(req.MaxAge)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid max_age", "message": err.Error()})
			return
		}
		maxAge = parsed
	}

	ctx := c.Request.Context()
	ids, err := h.searcher.RunText(ctx, req.Prompt, limit, maxAge)
	if errors.Is(err, embedding.ErrEmptyPrompt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
		return
	}
	if err != nil {
		slog.Error("Search failed", "prompt", req.Prompt, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Search failed"})
		return
	}

	items, err := h.itemRepo.FetchFeedItemsByIDs(ctx, ids)
	if err != nil {
		slog.Error("Database error", "operation", "fetch_items_by_ids", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": lo.Map(items, func(item database.FeedItem, _ int) ItemResponse { return toItemResponse(item) }),
		"total": len(items),
	})
}

func (h *Handler) APIGetArticle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	item, err := h.itemRepo.FetchFeedItemByID(ctx, id)
	if err != nil {
		slog.Error("Database error", "operation", "fetch_item", "item_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}
	if item.Link == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Item has no link"})
		return
	}

	text, err := h.extractor.Run(ctx, item.Link, h.extractTimeout)
	if err != nil {
		slog.Warn("Article extraction failed", "item_id", id, "url", item.Link, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Article extraction failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ArticleResponse{ItemID: id, Link: item.Link, Text: text})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id parameter"})
		return 0, false
	}
	return id, true
}

// queryWindow reads the limit and maxage query parameters.
func queryWindow(c *gin.Context, defaultLimit int, defaultMaxAge time.Duration) (int, time.Duration, bool) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return 0, 0, false
		}
		limit = min(parsed, maxLimit)
	}

	maxAge := defaultMaxAge
	if raw := c.Query("maxage"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid maxage parameter"})
			return 0, 0, false
		}
		maxAge = parsed
	}

	return limit, maxAge, true
}

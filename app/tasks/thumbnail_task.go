package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lysyi3m/feeder/app/database"
)

// ThumbnailFinder is satisfied by *feed.ThumbnailFinder.
type ThumbnailFinder interface {
	Run(ctx context.Context, pageURL string, timeout time.Duration) (string, error)
}

// ThumbnailTask looks up and stores a thumbnail for one item. A failed
// lookup is stored as "checked, none found".
type ThumbnailTask struct {
	Task
	ItemID int64

	finder   ThumbnailFinder
	itemRepo database.ItemRepository
	timeout  time.Duration
	logger   *slog.Logger
}

func NewThumbnailTask(itemID int64, finder ThumbnailFinder, itemRepo database.ItemRepository, timeout time.Duration, logger *slog.Logger) *ThumbnailTask {
	return &ThumbnailTask{
		Task:     NewTask(TaskTypeFindThumbnail, strconv.FormatInt(itemID, 10)),
		ItemID:   itemID,
		finder:   finder,
		itemRepo: itemRepo,
		timeout:  timeout,
		logger:   logger,
	}
}

func (t *ThumbnailTask) Execute(ctx context.Context) error {
	item, err := t.itemRepo.FetchFeedItemByID(ctx, t.ItemID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("feed item %d not found", t.ItemID)
	}

	if item.ThumbnailURL != nil {
		t.logger.Debug("Thumbnail already stored, skipping", "item_id", t.ItemID)
		return nil
	}

	var thumbnail string
	if item.Link != "" {
		thumbnail, err = t.finder.Run(ctx, item.Link, t.timeout)
		if err != nil {
			t.logger.Warn("Thumbnail lookup failed", "item_id", t.ItemID, "url", item.Link, "error", err)
			thumbnail = ""
		}
	}

	if err := t.itemRepo.UpdateFeedItemThumbnail(ctx, t.ItemID, thumbnail); err != nil {
		return err
	}

	t.logger.Debug("Task completed",
		"type", t.GetType(),
		"item_id", t.ItemID,
		"duration", t.GetDuration(),
		"found", thumbnail != "")

	return nil
}

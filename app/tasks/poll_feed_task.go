package tasks

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/feed"
)

// PollFeedTask fetches one feed and reconciles its items with the store.
type PollFeedTask struct {
	Task
	Feed database.Feed

	fetcher    *feed.Fetcher
	normalizer *feed.Normalizer
	parser     *feed.Parser
	feedRepo   database.FeedRepository
	itemRepo   database.ItemRepository
	opts       PollOptions
	onNewItems func(ctx context.Context, ids []int64)
	logger     *slog.Logger
	now        func() time.Time

	// Set once the feed was fetched and either parsed or found unmodified.
	Completed  bool
	NewItemIDs []int64
}

func (t *PollFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := t.now().UTC()
	f := t.Feed
	f.LastValidatedAt = &start

	resp, err := t.fetcher.Run(ctx, f.URL, f.Metadata.Headers, t.opts.ForceFetch, t.opts.Timeout)
	if err != nil {
		return t.fail(ctx, f, start, fmt.Errorf("failed to fetch feed: %w", err))
	}
	defer resp.Close()

	f.Status = resp.Status
	f.StatusText = resp.StatusText
	f.Metadata.FetchDuration = time.Since(start).Milliseconds()

	if resp.NotModified() {
		f.Metadata.Headers = mergeValidators(f.Metadata.Headers, resp.Headers)
		f.Metadata.Duration = time.Since(start).Milliseconds()
		if err := t.feedRepo.UpdateFetchedFeed(ctx, f); err != nil {
			return err
		}

		t.Completed = true
		t.logger.Debug("Feed not modified", "feed", f.URL, "duration", t.GetDuration())
		return nil
	}

	f.Metadata.Headers = resp.Headers

	if resp.Status != http.StatusOK {
		f.Metadata.Duration = time.Since(start).Milliseconds()
		if err := t.feedRepo.UpdateFetchedFeed(ctx, f); err != nil {
			return err
		}

		t.logger.Warn("Feed returned unexpected status", "feed", f.URL, "status", resp.Status, "status_text", resp.StatusText)
		return nil
	}

	reader, charset, err := t.normalizer.Run(resp.Body, resp.ContentType(), f.Metadata.Charset)
	f.Metadata.Charset = charset
	if err != nil {
		return t.fail(ctx, f, start, err)
	}

	// The parser drops read errors while sniffing the feed type, so the body
	// is read in full first to keep deadline failures reported as fetch errors.
	data, err := io.ReadAll(reader)
	if err != nil {
		return t.fail(ctx, f, start, fmt.Errorf("failed to fetch feed: %w", err))
	}
	f.Metadata.FetchDuration = time.Since(start).Milliseconds()

	parseStart := time.Now()
	meta, items, err := t.parser.Run(bytes.NewReader(data))
	if err != nil {
		return t.fail(ctx, f, start, err)
	}
	f.Metadata.ParseDuration = time.Since(parseStart).Milliseconds()

	existing, err := t.itemRepo.FetchFeedItemGUIDs(ctx, f.ID)
	if err != nil {
		return t.fail(ctx, f, start, err)
	}

	rec := feed.Reconcile(items, existing, t.opts.MaxItems, start)

	newIDs, err := t.storeItems(ctx, f.ID, rec.Upserts, start)
	if err != nil {
		return t.fail(ctx, f, start, err)
	}

	defunct, err := t.itemRepo.MarkFeedItemsDefunct(ctx, f.ID, rec.DefunctGUIDs, start)
	if err != nil {
		return t.fail(ctx, f, start, err)
	}

	if _, err := t.itemRepo.MarkFeedItemsSeen(ctx, f.ID, rec.RetainedGUIDs); err != nil {
		return t.fail(ctx, f, start, err)
	}

	if rec.NewestItemDate != nil && (f.NewestItemDate == nil || rec.NewestItemDate.After(*f.NewestItemDate)) {
		f.NewestItemDate = rec.NewestItemDate
	}

	applyMetadata(&f, meta)
	f.LastParsedAt = &start
	f.LastError = ""
	f.Metadata.Duration = time.Since(start).Milliseconds()

	if err := t.feedRepo.UpdateFetchedFeed(ctx, f); err != nil {
		return err
	}

	t.Completed = true
	t.NewItemIDs = newIDs

	if len(newIDs) > 0 && t.onNewItems != nil {
		t.onNewItems(ctx, newIDs)
	}

	t.logger.Info("Task completed",
		"type", t.GetType(),
		"feed", f.URL,
		"duration", t.GetDuration(),
		"total", len(items),
		"new", len(newIDs),
		"defunct", defunct)

	return nil
}

func (t *PollFeedTask) storeItems(ctx context.Context, feedID int64, upserts []feed.Upsert, seenAt time.Time) ([]int64, error) {
	ids := make([]int64, 0, len(upserts))
	for _, upsert := range upserts {
		item := upsert.Item
		id, err := t.itemRepo.UpsertFeedItem(ctx, database.FeedItem{
			FeedID:      feedID,
			GUID:        upsert.GUID,
			Date:        upsert.Date,
			Title:       item.Title,
			Link:        item.Link,
			Author:      item.Author,
			Summary:     cmp.Or(item.Summary, item.Description),
			Content:     item.Content,
			FirstSeenAt: &seenAt,
			Metadata:    item.Raw,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store item %q: %w", upsert.GUID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// fail records err on the feed and returns it.
func (t *PollFeedTask) fail(ctx context.Context, f database.Feed, start time.Time, err error) error {
	f.LastError = err.Error()
	f.Metadata.Duration = time.Since(start).Milliseconds()

	if storeErr := t.feedRepo.UpdateFetchedFeed(context.WithoutCancel(ctx), f); storeErr != nil {
		t.logger.Error("Failed to record feed error", "feed", f.URL, "error", storeErr)
	}
	return err
}

// mergeValidators keeps stored validators a 304 response did not repeat.
func mergeValidators(previous, current map[string]string) map[string]string {
	merged := make(map[string]string, len(current)+2)
	for _, name := range []string{"etag", "last-modified"} {
		if value := previous[name]; value != "" {
			merged[name] = value
		}
	}
	for name, value := range current {
		merged[name] = value
	}
	return merged
}

func applyMetadata(f *database.Feed, meta *feed.Metadata) {
	if meta == nil {
		return
	}

	f.Title = cmp.Or(f.Title, meta.Title)
	f.Description = cmp.Or(f.Description, meta.Description)
	f.Link = cmp.Or(f.Link, meta.Link)
	f.Metadata.Meta = &database.FeedInfo{
		Title:       meta.Title,
		Link:        meta.Link,
		Description: meta.Description,
		Language:    meta.Language,
		ImageURL:    meta.ImageURL,
		Generator:   meta.Generator,
		FeedType:    meta.FeedType,
	}
}

package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/embedding"
	"github.com/lysyi3m/feeder/app/feed"
)

const queueStatusInterval = time.Second

type PollOptions struct {
	ForceFetch  bool
	Timeout     time.Duration // Per feed fetch
	MaxAge      time.Duration // Feeds validated more recently are skipped
	MaxItems    int           // New items stored per poll, <= 0 for all
	Concurrency int

	ThumbnailConcurrency int
	ThumbnailTimeout     time.Duration
	EmbeddingConcurrency int

	SkipThumbnails bool
	SkipEmbeddings bool
}

// Pipeline polls feeds and enriches the items they yield. Feed polling,
// thumbnail lookup and embedding each run in their own bounded queue.
type Pipeline struct {
	feedRepo      database.FeedRepository
	itemRepo      database.ItemRepository
	embeddingRepo database.EmbeddingRepository
	fetcher       *feed.Fetcher
	normalizer    *feed.Normalizer
	parser        *feed.Parser
	thumbnails    ThumbnailFinder
	embedder      embedding.Embedder
	logger        *slog.Logger
	now           func() time.Time
}

func NewPipeline(feedRepo database.FeedRepository, itemRepo database.ItemRepository,
	embeddingRepo database.EmbeddingRepository, fetcher *feed.Fetcher, normalizer *feed.Normalizer,
	parser *feed.Parser, thumbnails ThumbnailFinder, embedder embedding.Embedder, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		feedRepo:      feedRepo,
		itemRepo:      itemRepo,
		embeddingRepo: embeddingRepo,
		fetcher:       fetcher,
		normalizer:    normalizer,
		parser:        parser,
		thumbnails:    thumbnails,
		embedder:      embedder,
		logger:        logger,
		now:           time.Now,
	}
}

// Poll polls every enabled feed that is due and waits for the resulting
// enrichment work. It returns the new item ids of each feed polled
// successfully; skipped and failed feeds are absent.
func (p *Pipeline) Poll(ctx context.Context, feeds []database.Feed, opts PollOptions) map[int64][]int64 {
	feedQueue := NewQueue("feeds", opts.Concurrency, p.logger)
	thumbnailQueue := NewQueue("thumbnails", opts.ThumbnailConcurrency, p.logger)
	embeddingQueue := NewQueue("embeddings", opts.EmbeddingConcurrency, p.logger)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	for _, q := range []*Queue{feedQueue, thumbnailQueue, embeddingQueue} {
		go q.Monitor(monitorCtx, queueStatusInterval)
	}

	onNewItems := func(ctx context.Context, ids []int64) {
		for _, id := range ids {
			if !opts.SkipThumbnails && p.thumbnails != nil {
				thumbnailQueue.Enqueue(ctx, NewThumbnailTask(id, p.thumbnails, p.itemRepo, opts.ThumbnailTimeout, p.logger))
			}
			if !opts.SkipEmbeddings && p.embedder != nil {
				embeddingQueue.Enqueue(ctx, NewEmbedTask([]int64{id}, p.embedder, p.itemRepo, p.embeddingRepo, p.logger))
			}
		}
	}

	now := p.now().UTC()
	var polled []*PollFeedTask
	for _, f := range feeds {
		if f.Disabled {
			p.logger.Debug("Feed disabled, skipping", "feed", f.URL)
			continue
		}
		if !opts.ForceFetch && isFresh(f, opts.MaxAge, now) {
			p.logger.Debug("Feed validated recently, skipping", "feed", f.URL, "last_validated_at", f.LastValidatedAt)
			continue
		}

		task := p.newPollFeedTask(f, opts, onNewItems)
		polled = append(polled, task)
		feedQueue.Enqueue(ctx, task)
	}

	feedQueue.Wait()
	thumbnailQueue.Wait()
	embeddingQueue.Wait()

	results := make(map[int64][]int64, len(polled))
	for _, task := range polled {
		if task.Completed {
			results[task.Feed.ID] = task.NewItemIDs
		}
	}

	p.logger.Info("Poll completed",
		"feeds", len(feeds),
		"polled", len(polled),
		"succeeded", len(results),
		"new", lo.SumBy(lo.Values(results), func(ids []int64) int { return len(ids) }))

	return results
}

func (p *Pipeline) newPollFeedTask(f database.Feed, opts PollOptions, onNewItems func(context.Context, []int64)) *PollFeedTask {
	return &PollFeedTask{
		Task:       NewTask(TaskTypePollFeed, f.URL),
		Feed:       f,
		fetcher:    p.fetcher,
		normalizer: p.normalizer,
		parser:     p.parser,
		feedRepo:   p.feedRepo,
		itemRepo:   p.itemRepo,
		opts:       opts,
		onNewItems: onNewItems,
		logger:     p.logger,
		now:        p.now,
	}
}

func isFresh(f database.Feed, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || f.LastValidatedAt == nil {
		return false
	}
	return now.Sub(*f.LastValidatedAt) < maxAge
}

// BackfillThumbnails looks up thumbnails for every item never checked and
// returns how many items were processed.
func (p *Pipeline) BackfillThumbnails(ctx context.Context, concurrency int, timeout time.Duration) (int, error) {
	ids, err := p.itemRepo.ListFeedItemIDsWithoutThumbnails(ctx)
	if err != nil {
		return 0, err
	}

	queue := NewQueue("thumbnails", concurrency, p.logger)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go queue.Monitor(monitorCtx, queueStatusInterval)

	for _, id := range ids {
		queue.Enqueue(ctx, NewThumbnailTask(id, p.thumbnails, p.itemRepo, timeout, p.logger))
	}
	queue.Wait()

	p.logger.Info("Thumbnail backfill completed", "items", len(ids))
	return len(ids), nil
}

// BackfillEmbeddings embeds every item without a vector in batches of
// batchSize and returns how many vectors were stored.
func (p *Pipeline) BackfillEmbeddings(ctx context.Context, batchSize, concurrency int) (int, error) {
	ids, err := p.embeddingRepo.ListFeedItemIDsWithoutEmbeddings(ctx)
	if err != nil {
		return 0, err
	}
	if batchSize < 1 {
		batchSize = 1
	}

	queue := NewQueue("embeddings", concurrency, p.logger)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go queue.Monitor(monitorCtx, queueStatusInterval)

	batches := lo.Chunk(ids, batchSize)
	tasks := make([]*EmbedTask, 0, len(batches))
	for _, batch := range batches {
		task := NewEmbedTask(batch, p.embedder, p.itemRepo, p.embeddingRepo, p.logger)
		tasks = append(tasks, task)
		queue.Enqueue(ctx, task)
	}
	queue.Wait()

	embedded := lo.SumBy(tasks, func(task *EmbedTask) int { return task.Embedded })

	p.logger.Info("Embedding backfill completed", "items", len(ids), "batches", len(batches), "embedded", embedded)
	return embedded, nil
}

package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/embedding"
)

// EmbedTask embeds a batch of items in one call. Either every vector of the
// batch is stored or none is.
type EmbedTask struct {
	Task
	ItemIDs []int64

	embedder      embedding.Embedder
	itemRepo      database.ItemRepository
	embeddingRepo database.EmbeddingRepository
	logger        *slog.Logger

	Embedded int
}

func NewEmbedTask(ids []int64, embedder embedding.Embedder, itemRepo database.ItemRepository, embeddingRepo database.EmbeddingRepository, logger *slog.Logger) *EmbedTask {
	return &EmbedTask{
		Task:          NewTask(TaskTypeEmbedItems, fmt.Sprint(ids)),
		ItemIDs:       ids,
		embedder:      embedder,
		itemRepo:      itemRepo,
		embeddingRepo: embeddingRepo,
		logger:        logger,
	}
}

func (t *EmbedTask) Execute(ctx context.Context) error {
	embedded, err := t.embeddingRepo.ListEmbeddedFeedItemIDs(ctx, t.ItemIDs)
	if err != nil {
		return err
	}

	todo, _ := lo.Difference(lo.Uniq(t.ItemIDs), embedded)
	if len(todo) == 0 {
		t.logger.Debug("Items already embedded, skipping", "ids", t.ItemIDs)
		return nil
	}

	items, err := t.itemRepo.FetchFeedItemsByIDs(ctx, todo)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	vectors, err := t.embedder.Run(ctx, lo.Map(items, func(item database.FeedItem, _ int) string {
		return embedding.ItemText(item)
	}))
	if err != nil {
		return fmt.Errorf("failed to embed %d items: %w", len(items), err)
	}
	if len(vectors) != len(items) {
		return fmt.Errorf("expected %d embeddings, got %d", len(items), len(vectors))
	}

	embeddings := lo.Map(items, func(item database.FeedItem, i int) database.Embedding {
		return database.Embedding{FeedItemID: item.ID, Vector: vectors[i]}
	})
	if err := t.embeddingRepo.InsertFeedItemEmbeddings(ctx, embeddings); err != nil {
		return err
	}

	t.Embedded = len(embeddings)

	t.logger.Debug("Task completed",
		"type", t.GetType(),
		"count", len(embeddings),
		"duration", t.GetDuration())

	return nil
}

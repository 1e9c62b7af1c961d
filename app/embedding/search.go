package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/lysyi3m/feeder/app/database"
)

const promptCacheSize = 256

// Searcher finds stored items nearest to a vector or a free-text prompt.
type Searcher struct {
	repo     database.EmbeddingRepository
	embedder Embedder
	prompts  *lru.Cache[string, []float32]
}

func NewSearcher(repo database.EmbeddingRepository, embedder Embedder) (*Searcher, error) {
	prompts, err := lru.New[string, []float32](promptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt cache: %w", err)
	}
	return &Searcher{repo: repo, embedder: embedder, prompts: prompts}, nil
}

// Run returns item ids by ascending cosine distance to vector, limited to
// items dated within maxAge. maxAge <= 0 disables the date filter.
func (s *Searcher) Run(ctx context.Context, vector []float32, limit int, maxAge time.Duration) ([]int64, error) {
	results, err := s.repo.FindFeedItemIDsByEmbedding(ctx, vector, limit, maxAge)
	if err != nil {
		return nil, err
	}

	return lo.Map(results, func(r database.SearchResult, _ int) int64 {
		return r.FeedItemID
	}), nil
}

// RunText embeds prompt and searches with the resulting vector.
func (s *Searcher) RunText(ctx context.Context, prompt string, limit int, maxAge time.Duration) ([]int64, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	vector, ok := s.prompts.Get(prompt)
	if !ok {
		vectors, err := s.embedder.Run(ctx, []string{prompt})
		if err != nil {
			return nil, fmt.Errorf("failed to embed prompt: %w", err)
		}
		vector = vectors[0]
		s.prompts.Add(prompt, vector)
	}

	return s.Run(ctx, vector, limit, maxAge)
}

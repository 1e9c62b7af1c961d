package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/lysyi3m/feeder/app/cfg"
	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/embedding"
	"github.com/lysyi3m/feeder/app/feed"
	"github.com/lysyi3m/feeder/app/tasks"
)

const lockFilename = "feeder.lock"

// application holds the components shared by the commands.
type application struct {
	cfg    *cfg.Cfg
	logger *slog.Logger
	db     *database.DB
	lock   *flock.Flock

	feedRepo      *database.FeedRepo
	itemRepo      *database.ItemRepo
	embeddingRepo *database.EmbeddingRepo

	httpClient *http.Client
	embedder   *embedding.Client
}

func newApplication() (*application, error) {
	c, err := loadCfg()
	if err != nil {
		return nil, err
	}

	db, err := database.OpenAndMigrate(c.DatabasePath)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	httpClient := &http.Client{}

	return &application{
		cfg:           c,
		logger:        logger,
		db:            db,
		feedRepo:      database.NewFeedRepository(db),
		itemRepo:      database.NewItemRepository(db),
		embeddingRepo: database.NewEmbeddingRepository(db),
		httpClient:    httpClient,
		embedder:      embedding.NewClient(c.EmbeddingURL, httpClient, c.EmbeddingTimeout, logger),
	}, nil
}

func (a *application) Close() {
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.logger.Warn("Failed to release lock", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

// acquireLock keeps two processes from polling the same store at once.
func (a *application) acquireLock() error {
	if err := os.MkdirAll(a.cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(a.cfg.DataPath, lockFilename)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("another feeder process holds %s", path)
	}

	a.lock = lock
	return nil
}

func (a *application) thumbnailFinder() (*feed.ThumbnailFinder, error) {
	policy := feed.DefaultThumbnailPolicy()
	if a.cfg.ThumbnailPolicyFile != "" {
		loaded, err := feed.LoadThumbnailPolicy(a.cfg.ThumbnailPolicyFile)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}
	return feed.NewThumbnailFinder(a.httpClient, a.cfg.UserAgent, policy), nil
}

func (a *application) pipeline() (*tasks.Pipeline, error) {
	finder, err := a.thumbnailFinder()
	if err != nil {
		return nil, err
	}

	return tasks.NewPipeline(a.feedRepo, a.itemRepo, a.embeddingRepo,
		feed.NewFetcher(a.httpClient, a.cfg.UserAgent), feed.NewNormalizer(a.cfg.DefaultCharset),
		feed.NewParser(), finder, a.embedder, a.logger), nil
}

func (a *application) pollOptions() tasks.PollOptions {
	return tasks.PollOptions{
		Timeout:              a.cfg.FetchTimeout,
		MaxAge:               a.cfg.FeedPollMaxAge,
		MaxItems:             a.cfg.FeedPollMaxItems,
		Concurrency:          a.cfg.FeedPollConcurrency,
		ThumbnailConcurrency: a.cfg.ThumbnailConcurrency,
		ThumbnailTimeout:     a.cfg.ThumbnailTimeout,
		EmbeddingConcurrency: a.cfg.EmbeddingConcurrency,
	}
}

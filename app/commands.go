package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/feeder/app/api"
	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/embedding"
	"github.com/lysyi3m/feeder/app/feed"
	"github.com/lysyi3m/feeder/app/tasks"
)

func addCommands(parser *flags.Parser) {
	commands := []struct {
		name, short, long string
		data              any
	}{
		{"fetch", "Poll feeds", "Poll every due feed, then look up thumbnails and embeddings for new items", &FetchCommand{}},
		{"feeds", "Manage subscriptions", "Add, list, export, enable and disable feeds", &FeedsCommand{}},
		{"import", "Import an OPML file", "Subscribe to every feed listed in an OPML file", &ImportCommand{}},
		{"thumbnails", "Thumbnail maintenance", "Thumbnail maintenance", &ThumbnailsCommand{}},
		{"embed", "Embed items", "Embed every item that has no vector yet", &EmbedCommand{}},
		{"search", "Search items", "Find items semantically close to a prompt", &SearchCommand{}},
		{"serve", "Run the HTTP API", "Serve the HTTP API and poll feeds on an interval", &ServeCommand{}},
		{"db", "Database maintenance", "Inspect and migrate the database schema", &DBCommand{}},
	}

	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(fmt.Sprintf("failed to register command %s: %v", c.name, err))
		}
	}
}

// withApplication opens the store, runs fn and closes everything after.
func withApplication(fn func(ctx context.Context, a *application) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApplication()
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

type FetchCommand struct {
	Force        bool `long:"force" description:"Ignore freshness and conditional-request validators"`
	NoThumbnails bool `long:"no-thumbnails" description:"Skip thumbnail lookup for new items"`
	NoEmbeddings bool `long:"no-embeddings" description:"Skip embedding new items"`
}

func (c *FetchCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		if err := a.acquireLock(); err != nil {
			return err
		}

		pipeline, err := a.pipeline()
		if err != nil {
			return err
		}

		feeds, err := a.feedRepo.ListFeeds(ctx)
		if err != nil {
			return err
		}

		opts := a.pollOptions()
		opts.ForceFetch = c.Force
		opts.SkipThumbnails = c.NoThumbnails
		opts.SkipEmbeddings = c.NoEmbeddings

		results := pipeline.Poll(ctx, feeds, opts)
		for feedID, ids := range results {
			if len(ids) > 0 {
				a.logger.Info("New items", "feed_id", feedID, "count", len(ids))
			}
		}
		return nil
	})
}

type FeedsCommand struct {
	Add     FeedsAddCommand     `command:"add" description:"Subscribe to a feed"`
	List    FeedsListCommand    `command:"list" description:"List subscriptions"`
	Export  FeedsExportCommand  `command:"export" description:"Write subscriptions as OPML"`
	Disable FeedsDisableCommand `command:"disable" description:"Stop polling a feed"`
	Enable  FeedsEnableCommand  `command:"enable" description:"Resume polling a feed"`
}

type FeedsAddCommand struct {
	Title string `long:"title" description:"Title to use until the feed provides one"`
	Args  struct {
		URL string `positional-arg-name:"url"`
	} `positional-args:"yes" required:"yes"`
}

func (c *FeedsAddCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		url, err := normalizeFeedURL(c.Args.URL)
		if err != nil {
			return err
		}

		id, err := a.feedRepo.UpsertFeed(ctx, database.Feed{URL: url, Title: c.Title})
		if err != nil {
			return err
		}

		a.logger.Info("Feed added", "id", id, "url", url)
		return nil
	})
}

type FeedsListCommand struct{}

func (c *FeedsListCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		feeds, err := a.feedRepo.ListFeeds(ctx)
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(feeds))
		for _, f := range feeds {
			count, err := a.itemRepo.CountFeedItems(ctx, f.ID)
			if err != nil {
				return err
			}
			rows = append(rows, []string{
				strconv.FormatInt(f.ID, 10),
				cmp.Or(f.Title, "-"),
				f.URL,
				strconv.Itoa(count),
				formatTime(f.LastValidatedAt),
				feedState(f),
			})
		}

		fmt.Println(renderTable(
			[]string{"ID", "Title", "URL", "Items", "Validated", "State"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
		))
		return nil
	})
}

type FeedsExportCommand struct {
	Output string `short:"o" long:"output" description:"Write to file instead of stdout"`
	Title  string `long:"title" default:"feeder subscriptions" description:"OPML document title"`
}

func (c *FeedsExportCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		feeds, err := a.feedRepo.ListFeeds(ctx)
		if err != nil {
			return err
		}

		subscriptions := lo.FilterMap(feeds, func(f database.Feed, _ int) (feed.Subscription, bool) {
			return feed.Subscription{URL: f.URL, Title: f.Title, Description: f.Description, Link: f.Link}, !f.Disabled
		})

		document, err := feed.NewGenerator().Run(c.Title, subscriptions, time.Now())
		if err != nil {
			return fmt.Errorf("failed to generate OPML: %w", err)
		}

		if c.Output == "" {
			fmt.Print(document)
			return nil
		}
		if err := os.WriteFile(c.Output, []byte(document), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", c.Output, err)
		}

		a.logger.Info("Feeds exported", "count", len(subscriptions), "path", c.Output)
		return nil
	})
}

type feedIDArgs struct {
	ID int64 `positional-arg-name:"id"`
}

type FeedsDisableCommand struct {
	Args feedIDArgs `positional-args:"yes" required:"yes"`
}

func (c *FeedsDisableCommand) Execute(_ []string) error {
	return setFeedDisabled(c.Args.ID, true)
}

type FeedsEnableCommand struct {
	Args feedIDArgs `positional-args:"yes" required:"yes"`
}

func (c *FeedsEnableCommand) Execute(_ []string) error {
	return setFeedDisabled(c.Args.ID, false)
}

func setFeedDisabled(id int64, disabled bool) error {
	return withApplication(func(ctx context.Context, a *application) error {
		if err := a.feedRepo.SetFeedDisabled(ctx, id, disabled); err != nil {
			return err
		}
		a.logger.Info("Feed updated", "id", id, "disabled", disabled)
		return nil
	})
}

type ImportCommand struct {
	Args struct {
		Path string `positional-arg-name:"opml-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *ImportCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		file, err := os.Open(c.Args.Path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", c.Args.Path, err)
		}
		defer file.Close()

		title, subscriptions, err := feed.ParseOPML(file)
		if err != nil {
			return err
		}

		imported, skipped := 0, 0
		for _, sub := range subscriptions {
			url, err := normalizeFeedURL(sub.URL)
			if err != nil {
				a.logger.Warn("Skipping outline", "title", sub.Title, "error", err)
				skipped++
				continue
			}

			if _, err := a.feedRepo.UpsertFeed(ctx, database.Feed{
				URL:         url,
				Title:       sub.Title,
				Description: sub.Description,
				Link:        sub.Link,
			}); err != nil {
				return err
			}
			imported++
		}

		a.logger.Info("Import completed", "document", title, "imported", imported, "skipped", skipped)
		return nil
	})
}

type ThumbnailsCommand struct {
	Backfill ThumbnailsBackfillCommand `command:"backfill" description:"Look up thumbnails for items never checked"`
}

type ThumbnailsBackfillCommand struct{}

func (c *ThumbnailsBackfillCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		if err := a.acquireLock(); err != nil {
			return err
		}

		pipeline, err := a.pipeline()
		if err != nil {
			return err
		}

		_, err = pipeline.BackfillThumbnails(ctx, a.cfg.ThumbnailConcurrency, a.cfg.ThumbnailTimeout)
		return err
	})
}

type EmbedCommand struct {
	BatchSize int `long:"batch-size" description:"Items per embedding request (defaults to EMBEDDING_BATCH_SIZE)"`
}

func (c *EmbedCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		if err := a.acquireLock(); err != nil {
			return err
		}

		pipeline, err := a.pipeline()
		if err != nil {
			return err
		}

		batchSize := cmp.Or(c.BatchSize, a.cfg.EmbeddingBatchSize)
		_, err = pipeline.BackfillEmbeddings(ctx, batchSize, a.cfg.EmbeddingConcurrency)
		return err
	})
}

type SearchCommand struct {
	Limit  int           `long:"limit" default:"10" description:"Maximum number of results"`
	MaxAge time.Duration `long:"max-age" default:"72h" description:"Only items dated within this window, 0 for all"`
	Args   struct {
		Prompt []string `positional-arg-name:"prompt"`
	} `positional-args:"yes" required:"yes"`
}

func (c *SearchCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		searcher, err := embedding.NewSearcher(a.embeddingRepo, a.embedder)
		if err != nil {
			return err
		}

		ids, err := searcher.RunText(ctx, strings.Join(c.Args.Prompt, " "), c.Limit, c.MaxAge)
		if err != nil {
			return err
		}

		items, err := a.itemRepo.FetchFeedItemsByIDs(ctx, ids)
		if err != nil {
			return err
		}

		rows := lo.Map(items, func(item database.FeedItem, i int) []string {
			return []string{strconv.Itoa(i + 1), item.Date.Local().Format(time.DateOnly), item.Title, item.Link}
		})
		fmt.Println(renderTable([]string{"#", "Date", "Title", "Link"}, rows, []columnAlignment{alignRight}))
		return nil
	})
}

type ServeCommand struct{}

func (c *ServeCommand) Execute(_ []string) error {
	return withApplication(func(ctx context.Context, a *application) error {
		if err := a.acquireLock(); err != nil {
			return err
		}

		pipeline, err := a.pipeline()
		if err != nil {
			return err
		}

		searcher, err := embedding.NewSearcher(a.embeddingRepo, a.embedder)
		if err != nil {
			return err
		}

		var scheduler tasks.SchedulerInterface
		if a.cfg.SchedulerInterval > 0 {
			scheduler = tasks.NewScheduler(pipeline, a.feedRepo, a.pollOptions(), a.cfg.SchedulerInterval, a.logger)
			scheduler.Start()
			defer scheduler.Stop()
			a.logger.Info("Background scheduler started", "interval", a.cfg.SchedulerInterval)
		}

		handler := api.NewHandler(a.feedRepo, a.itemRepo, searcher,
			feed.NewContentExtractor(a.httpClient, a.cfg.UserAgent), a.cfg.FetchTimeout, a.cfg.Version)

		httpServer := &http.Server{
			Addr:         net.JoinHostPort(a.cfg.Host, a.cfg.Port),
			Handler:      api.NewServer(handler, a.cfg.APIAccessKey),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.logger.Info("Starting HTTP server", "addr", httpServer.Addr, "version", a.cfg.Version)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.logger.Info("Shutting down server gracefully")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})

		return g.Wait()
	})
}

type DBCommand struct {
	Migrate DBMigrateCommand `command:"migrate" description:"Apply pending migrations"`
	Version DBVersionCommand `command:"version" description:"Print the schema version"`
	Down    DBDownCommand    `command:"down" description:"Revert the latest migration"`
}

type DBMigrateCommand struct{}

func (c *DBMigrateCommand) Execute(_ []string) error {
	return withDatabase(func(db *database.DB) error {
		version, dirty, err := database.RunMigrations(db)
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	})
}

type DBVersionCommand struct{}

func (c *DBVersionCommand) Execute(_ []string) error {
	return withDatabase(func(db *database.DB) error {
		version, dirty, err := database.MigrationVersion(db)
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	})
}

type DBDownCommand struct{}

func (c *DBDownCommand) Execute(_ []string) error {
	return withDatabase(func(db *database.DB) error {
		version, dirty, err := database.RollbackMigration(db)
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	})
}

// withDatabase opens the store without migrating it.
func withDatabase(fn func(db *database.DB) error) error {
	c, err := loadCfg()
	if err != nil {
		return err
	}

	db, err := database.Open(c.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}

func normalizeFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("feed URL is empty")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", fmt.Errorf("feed URL %q is not http(s)", raw)
	}
	return raw, nil
}

func feedState(f database.Feed) string {
	switch {
	case f.Disabled:
		return "disabled"
	case f.LastError != "":
		return "error: " + f.LastError
	case f.Status != 0 && f.Status != http.StatusOK && f.Status != http.StatusNotModified:
		return fmt.Sprintf("%d %s", f.Status, f.StatusText)
	default:
		return "ok"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

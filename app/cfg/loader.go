package cfg

import (
	"cmp"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

// Options is the raw option set shared by every command. go-flags fills it
// from flags, environment variables and defaults.
type Options struct {
	// Storage
	DataPath         string `long:"data-path" env:"DATA_PATH" default:"data" description:"Data directory for application state"`
	DatabaseFilename string `long:"database-filename" env:"DATABASE_FILENAME" default:"data.db" description:"Filename for the SQLite database"`

	// Feed polling
	FeedPollConcurrency int           `long:"feed-poll-concurrency" env:"FEED_POLL_CONCURRENCY" default:"32" description:"Number of concurrent feed fetches"`
	FeedPollMaxAge      time.Duration `long:"feed-poll-max-age" env:"FEED_POLL_MAX_AGE" default:"30m" description:"Skip feeds validated more recently than this"`
	FeedPollMaxItems    int           `long:"feed-poll-max-items" env:"FEED_POLL_MAX_ITEMS" default:"100" description:"Maximum number of items imported per poll"`
	DefaultCharset      string        `long:"default-charset" env:"DEFAULT_CHARSET" default:"utf-8" description:"Charset assumed when a feed declares none"`
	FetchTimeout        time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"10s" description:"Timeout for feed fetches"`
	UserAgent           string        `long:"user-agent" env:"USER_AGENT" default:"feeder/1.0" description:"User agent string for HTTP requests"`

	// Thumbnails
	ThumbnailConcurrency int           `long:"thumbnail-concurrency" env:"THUMBNAIL_CONCURRENCY" default:"8" description:"Number of concurrent thumbnail page fetches"`
	ThumbnailTimeout     time.Duration `long:"thumbnail-timeout" env:"THUMBNAIL_TIMEOUT" default:"3s" description:"Timeout for thumbnail page fetches"`
	ThumbnailPolicyFile  string        `long:"thumbnail-policy-file" env:"THUMBNAIL_POLICY_FILE" description:"YAML file overriding thumbnail selectors and reject lists"`

	// Embeddings
	EmbeddingURL         string        `long:"embedding-url" env:"EMBEDDING_URL" default:"http://127.0.0.1:8080/embedding" description:"Embedding service endpoint"`
	EmbeddingConcurrency int           `long:"embedding-concurrency" env:"EMBEDDING_CONCURRENCY" default:"1" description:"Number of concurrent embedding requests"`
	EmbeddingBatchSize   int           `long:"embedding-batch-size" env:"EMBEDDING_BATCH_SIZE" default:"25" description:"Number of items per embedding backfill batch"`
	EmbeddingTimeout     time.Duration `long:"embedding-timeout" env:"EMBEDDING_TIMEOUT" default:"60s" description:"Timeout for a single embedding request"`

	// HTTP server
	Host              string        `long:"host" env:"HOST" default:"127.0.0.1" description:"HTTP server host"`
	Port              string        `long:"port" env:"PORT" default:"3000" description:"HTTP server port"`
	APIAccessKey      string        `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	SchedulerInterval time.Duration `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"10m" description:"Interval between poll cycles while serving"`

	Debug bool `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// New validates raw options and freezes them into a Cfg.
func New(opts *Options) (*Cfg, error) {
	if opts == nil {
		return nil, fmt.Errorf("options are nil")
	}

	positive := map[string]int{
		"feed poll concurrency": opts.FeedPollConcurrency,
		"feed poll max items":   opts.FeedPollMaxItems,
		"thumbnail concurrency": opts.ThumbnailConcurrency,
		"embedding concurrency": opts.EmbeddingConcurrency,
		"embedding batch size":  opts.EmbeddingBatchSize,
	}
	for name, value := range positive {
		if value <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}

	nonNegative := map[string]time.Duration{
		"feed poll max age":  opts.FeedPollMaxAge,
		"fetch timeout":      opts.FetchTimeout,
		"thumbnail timeout":  opts.ThumbnailTimeout,
		"embedding timeout":  opts.EmbeddingTimeout,
		"scheduler interval": opts.SchedulerInterval,
	}
	for name, value := range nonNegative {
		if value < 0 {
			return nil, fmt.Errorf("%s must be non-negative, got %s", name, value)
		}
	}

	if strings.TrimSpace(opts.DatabaseFilename) == "" {
		return nil, fmt.Errorf("database filename is required")
	}

	return &Cfg{
		DataPath:             opts.DataPath,
		DatabasePath:         filepath.Join(opts.DataPath, opts.DatabaseFilename),
		FeedPollConcurrency:  opts.FeedPollConcurrency,
		FeedPollMaxAge:       opts.FeedPollMaxAge,
		FeedPollMaxItems:     opts.FeedPollMaxItems,
		DefaultCharset:       cmp.Or(strings.TrimSpace(opts.DefaultCharset), "utf-8"),
		FetchTimeout:         opts.FetchTimeout,
		UserAgent:            opts.UserAgent,
		ThumbnailConcurrency: opts.ThumbnailConcurrency,
		ThumbnailTimeout:     opts.ThumbnailTimeout,
		ThumbnailPolicyFile:  opts.ThumbnailPolicyFile,
		EmbeddingURL:         opts.EmbeddingURL,
		EmbeddingConcurrency: opts.EmbeddingConcurrency,
		EmbeddingBatchSize:   opts.EmbeddingBatchSize,
		EmbeddingTimeout:     opts.EmbeddingTimeout,
		Host:                 opts.Host,
		Port:                 opts.Port,
		APIAccessKey:         opts.APIAccessKey,
		SchedulerInterval:    opts.SchedulerInterval,
		Debug:                opts.Debug,
		Version:              GetVersion(),
	}, nil
}

package cfg

import "time"

type Cfg struct {
	// Storage
	DataPath     string
	DatabasePath string

	// Feed polling
	FeedPollConcurrency int
	FeedPollMaxAge      time.Duration
	FeedPollMaxItems    int
	DefaultCharset      string
	FetchTimeout        time.Duration
	UserAgent           string

	// Thumbnails
	ThumbnailConcurrency int
	ThumbnailTimeout     time.Duration
	ThumbnailPolicyFile  string

	// Embeddings
	EmbeddingURL         string
	EmbeddingConcurrency int
	EmbeddingBatchSize   int
	EmbeddingTimeout     time.Duration

	// HTTP server
	Host              string
	Port              string
	APIAccessKey      string
	SchedulerInterval time.Duration

	Debug   bool
	Version string
}

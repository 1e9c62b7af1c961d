package feed

import (
	"encoding/json"
	"time"
)

type Metadata struct {
	Title           string
	Link            string
	Description     string
	ImageURL        string
	Language        string
	Generator       string
	FeedType        string
	FeedPublishedAt *time.Time
	FeedUpdatedAt   *time.Time
}

type Item struct {
	GUID        string // Empty when the source provides none
	Title       string
	Link        string
	Author      string
	Summary     string
	Description string
	Content     string
	Date        *time.Time // Most recent update
	PubDate     *time.Time // Original publication
	Categories  []string
	Raw         json.RawMessage
}

// Subscription is one feed listed in an OPML document.
type Subscription struct {
	URL         string
	Title       string
	Description string
	Link        string
}

package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Feed struct {
	ID              int64
	URL             string // Subscription URL, unique per feed
	Title           string
	Description     string
	Link            string // Homepage URL from the feed's own <link>
	Disabled        bool
	NewestItemDate  *time.Time // Max canonical date across stored items
	LastValidatedAt *time.Time // Last fetch attempt, successful or not
	LastParsedAt    *time.Time
	Status          int
	StatusText      string
	LastError       string
	Metadata        FeedMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FeedMetadata is the free-form bag kept alongside each feed between polls.
type FeedMetadata struct {
	Headers       map[string]string `json:"headers,omitempty"` // Lowercased response headers
	Charset       string            `json:"charset,omitempty"`
	Meta          *FeedInfo         `json:"meta,omitempty"`
	FetchDuration int64             `json:"fetchDuration,omitempty"` // milliseconds
	ParseDuration int64             `json:"parseDuration,omitempty"` // milliseconds
	Duration      int64             `json:"duration,omitempty"`      // milliseconds
}

type FeedInfo struct {
	Title       string `json:"title,omitempty"`
	Link        string `json:"link,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Generator   string `json:"generator,omitempty"`
	FeedType    string `json:"feedType,omitempty"`
}

func (m FeedMetadata) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *FeedMetadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = FeedMetadata{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported feed metadata type %T", src)
	}

	var decoded FeedMetadata
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			// A damaged bag only loses conditional-fetch hints.
			decoded = FeedMetadata{}
		}
	}
	*m = decoded
	return nil
}

type FeedItem struct {
	ID                 int64
	FeedID             int64
	GUID               string // Identity within the owning feed
	Date               time.Time
	Title              string
	Link               string
	Author             string
	Summary            string
	Content            string
	ThumbnailURL       *string
	ThumbnailUpdatedAt *time.Time // Set once thumbnail discovery ran, even when nothing was found
	FirstSeenAt        *time.Time
	LastSeenAt         *time.Time // Set once the item disappears from its source
	Metadata           json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Embedding struct {
	FeedItemID int64
	Vector     []float32
}

type SearchResult struct {
	FeedItemID int64
	Distance   float64
}

type feedRow struct {
	ID              int64          `db:"id"`
	URL             string         `db:"url"`
	Title           sql.NullString `db:"title"`
	Description     sql.NullString `db:"description"`
	Link            sql.NullString `db:"link"`
	Disabled        bool           `db:"disabled"`
	NewestItemDate  sql.NullInt64  `db:"newest_item_date"`
	LastValidatedAt sql.NullInt64  `db:"last_validated_at"`
	LastParsedAt    sql.NullInt64  `db:"last_parsed_at"`
	Status          sql.NullInt64  `db:"status"`
	StatusText      sql.NullString `db:"status_text"`
	LastError       sql.NullString `db:"last_error"`
	Metadata        FeedMetadata   `db:"metadata"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

func (r feedRow) toFeed() Feed {
	return Feed{
		ID:              r.ID,
		URL:             r.URL,
		Title:           r.Title.String,
		Description:     r.Description.String,
		Link:            r.Link.String,
		Disabled:        r.Disabled,
		NewestItemDate:  fromMillis(r.NewestItemDate),
		LastValidatedAt: fromMillis(r.LastValidatedAt),
		LastParsedAt:    fromMillis(r.LastParsedAt),
		Status:          int(r.Status.Int64),
		StatusText:      r.StatusText.String,
		LastError:       r.LastError.String,
		Metadata:        r.Metadata,
		CreatedAt:       time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:       time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

type feedItemRow struct {
	ID                 int64          `db:"id"`
	FeedID             int64          `db:"feed_id"`
	GUID               string         `db:"guid"`
	Date               int64          `db:"date"`
	Title              sql.NullString `db:"title"`
	Link               sql.NullString `db:"link"`
	Author             sql.NullString `db:"author"`
	Summary            sql.NullString `db:"summary"`
	Content            sql.NullString `db:"content"`
	ThumbnailURL       sql.NullString `db:"thumbnail_url"`
	ThumbnailUpdatedAt sql.NullInt64  `db:"thumbnail_updated_at"`
	FirstSeenAt        sql.NullInt64  `db:"first_seen_at"`
	LastSeenAt         sql.NullInt64  `db:"last_seen_at"`
	Metadata           string         `db:"metadata"`
	CreatedAt          int64          `db:"created_at"`
	UpdatedAt          int64          `db:"updated_at"`
}

func (r feedItemRow) toFeedItem() FeedItem {
	item := FeedItem{
		ID:                 r.ID,
		FeedID:             r.FeedID,
		GUID:               r.GUID,
		Date:               time.UnixMilli(r.Date).UTC(),
		Title:              r.Title.String,
		Link:               r.Link.String,
		Author:             r.Author.String,
		Summary:            r.Summary.String,
		Content:            r.Content.String,
		ThumbnailUpdatedAt: fromMillis(r.ThumbnailUpdatedAt),
		FirstSeenAt:        fromMillis(r.FirstSeenAt),
		LastSeenAt:         fromMillis(r.LastSeenAt),
		CreatedAt:          time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:          time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.ThumbnailURL.Valid {
		url := r.ThumbnailURL.String
		item.ThumbnailURL = &url
	}
	if r.Metadata != "" {
		item.Metadata = json.RawMessage(r.Metadata)
	}
	return item
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

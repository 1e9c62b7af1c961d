package api

import (
	"cmp"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/lysyi3m/feeder/app/database"
)

var stripTags = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)

// plainText reduces item HTML to whitespace-normalised text.
func plainText(markup string) string {
	text := html.UnescapeString(stripTags.Sanitize(markup))
	return strings.Join(strings.Fields(text), " ")
}

func toFeedResponse(f database.Feed) FeedResponse {
	resp := FeedResponse{
		ID:             f.ID,
		URL:            f.URL,
		Title:          cmp.Or(f.Title, f.URL),
		Description:    f.Description,
		Link:           f.Link,
		Disabled:       f.Disabled,
		NewestItemDate: f.NewestItemDate,
		LastValidated:  f.LastValidatedAt,
		LastParsed:     f.LastParsedAt,
		Status:         f.Status,
		LastError:      f.LastError,
	}
	if f.Metadata.Meta != nil {
		resp.ImageURL = f.Metadata.Meta.ImageURL
	}
	return resp
}

func toItemResponse(item database.FeedItem) ItemResponse {
	return ItemResponse{
		ID:           item.ID,
		FeedID:       item.FeedID,
		GUID:         item.GUID,
		Date:         item.Date,
		Title:        item.Title,
		Link:         item.Link,
		Author:       item.Author,
		Summary:      plainText(item.Summary),
		Text:         plainText(cmp.Or(item.Content, item.Summary)),
		ThumbnailURL: item.ThumbnailURL,
		LastSeenAt:   item.LastSeenAt,
	}
}

package feed

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mmcdole/gofeed"
)

type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

// Run parses an RSS, Atom or JSON feed from a UTF-8 stream.
func (p *Parser) Run(r io.Reader) (*Metadata, []Item, error) {
	feed, err := p.gofeedParser.Parse(r)
	if err != nil {
		return nil, nil, &ParseError{Err: err}
	}

	metadata := &Metadata{
		Title:           feed.Title,
		Link:            feed.Link,
		Description:     feed.Description,
		Language:        feed.Language,
		Generator:       feed.Generator,
		FeedType:        feed.FeedType,
		FeedPublishedAt: feed.PublishedParsed,
		FeedUpdatedAt:   feed.UpdatedParsed,
	}

	if feed.Image != nil {
		metadata.ImageURL = feed.Image.URL
	}

	items := make([]Item, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		items = append(items, p.normalizeItem(item))
	}

	return metadata, items, nil
}

func (p *Parser) normalizeItem(item *gofeed.Item) Item {
	normalized := Item{
		GUID:        strings.TrimSpace(item.GUID),
		Title:       item.Title,
		Link:        item.Link,
		Author:      strings.Join(p.extractAuthors(item), ", "),
		Description: item.Description,
		Content:     item.Content,
		Date:        item.UpdatedParsed,
		PubDate:     item.PublishedParsed,
		Categories:  item.Categories,
	}

	var itunesSummary string
	if item.ITunesExt != nil {
		itunesSummary = item.ITunesExt.Summary
	}
	normalized.Summary = cmp.Or(item.Description, itunesSummary)

	if raw, err := json.Marshal(item); err == nil {
		normalized.Raw = raw
	}

	return normalized
}

func (p *Parser) extractAuthors(item *gofeed.Item) []string {
	var authors []string

	if len(item.Authors) > 0 {
		for _, author := range item.Authors {
			if author != nil {
				authorStr := p.formatAuthor(author.Name, author.Email)
				if authorStr != "" {
					authors = append(authors, authorStr)
				}
			}
		}
	} else if item.Author != nil {
		authorStr := p.formatAuthor(item.Author.Name, item.Author.Email)
		if authorStr != "" {
			authors = append(authors, authorStr)
		}
	}

	return authors
}

func (p *Parser) formatAuthor(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if name != "" && email != "" {
		return fmt.Sprintf("%s (%s)", email, name)
	} else if name != "" {
		return name
	} else if email != "" {
		return email
	}

	return ""
}

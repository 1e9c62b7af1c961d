package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html/charset"
)

// ContentExtractor pulls the readable article text out of an item's page.
type ContentExtractor struct {
	fetcher *Fetcher
}

func NewContentExtractor(client *http.Client, userAgent string) *ContentExtractor {
	return &ContentExtractor{
		fetcher: NewFetcher(client, userAgent).WithAccept(htmlAccept),
	}
}

// Run fetches pageURL and returns its main text.
func (e *ContentExtractor) Run(ctx context.Context, pageURL string, timeout time.Duration) (string, error) {
	resp, err := e.fetcher.Run(ctx, pageURL, nil, true, timeout)
	if err != nil {
		return "", err
	}
	defer resp.Close()

	if resp.Status < 200 || resp.Status > 299 {
		return "", fmt.Errorf("unexpected status %d %s", resp.Status, resp.StatusText)
	}

	contentType := resp.ContentType()
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html") {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxThumbnailPage), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to decode page: %w", err)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	base, _ := url.Parse(pageURL)
	return e.Extract(data, base)
}

// Extract returns the main text of an HTML document.
func (e *ContentExtractor) Extract(data []byte, pageURL *url.URL) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", fmt.Errorf("HTML data is empty")
	}

	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	var text strings.Builder
	if err := article.RenderText(&text); err != nil {
		return "", fmt.Errorf("failed to render content: %w", err)
	}

	content := strings.TrimSpace(text.String())
	if content == "" {
		return "", fmt.Errorf("no content extracted from HTML data")
	}

	return content, nil
}

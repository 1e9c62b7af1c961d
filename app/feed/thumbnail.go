package feed

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

const (
	htmlAccept       = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"
	maxThumbnailPage = 5 << 20
)

type ThumbnailFinder struct {
	fetcher *Fetcher
	policy  *ThumbnailPolicy
}

func NewThumbnailFinder(client *http.Client, userAgent string, policy *ThumbnailPolicy) *ThumbnailFinder {
	if policy == nil {
		policy = DefaultThumbnailPolicy()
	}
	return &ThumbnailFinder{
		fetcher: NewFetcher(client, userAgent).WithAccept(htmlAccept),
		policy:  policy,
	}
}

// Run fetches pageURL and returns the best thumbnail candidate, or "" when
// none is acceptable. Responses that are not HTML are searched as empty
// documents.
func (f *ThumbnailFinder) Run(ctx context.Context, pageURL string, timeout time.Duration) (string, error) {
	resp, err := f.fetcher.Run(ctx, pageURL, nil, true, timeout)
	if err != nil {
		return "", err
	}
	defer resp.Close()

	contentType := resp.ContentType()
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html") {
		return f.FindInHTML(pageURL, strings.NewReader(""))
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxThumbnailPage), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to decode page: %w", err)
	}

	return f.FindInHTML(pageURL, body)
}

// FindInHTML applies the ordered thumbnail heuristics to an HTML document:
// og:image, twitter:image, image_src, then the largest image per container.
func (f *ThumbnailFinder) FindInHTML(baseURL string, r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	metaCandidates := []string{
		doc.Find(`meta[property="og:image"]`).First().AttrOr("content", ""),
		doc.Find(`meta[name="twitter:image"]`).First().AttrOr("value", ""),
		doc.Find(`link[rel="image_src"]`).First().AttrOr("href", ""),
	}
	for _, candidate := range metaCandidates {
		if accepted, ok := f.accept(baseURL, candidate); ok {
			return accepted, nil
		}
	}

	for _, container := range f.policy.Containers {
		selector := "img"
		if container = strings.TrimSpace(container); container != "" {
			selector = container + " img"
		}

		for _, candidate := range largestImages(doc.Find(selector)) {
			if accepted, ok := f.accept(baseURL, candidate); ok {
				return accepted, nil
			}
		}
	}

	return "", nil
}

type imageCandidate struct {
	area float64
	src  string
}

// largestImages returns image sources ordered by declared area, largest
// first. Images without numeric dimensions count as zero.
func largestImages(imgs *goquery.Selection) []string {
	candidates := make([]imageCandidate, 0, imgs.Length())
	imgs.Each(func(_ int, img *goquery.Selection) {
		candidates = append(candidates, imageCandidate{
			area: dimension(img.AttrOr("width", "")) * dimension(img.AttrOr("height", "")),
			src:  img.AttrOr("src", ""),
		})
	})

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].area > candidates[j].area
	})

	srcs := make([]string, len(candidates))
	for i, c := range candidates {
		srcs[i] = c.src
	}
	return srcs
}

func dimension(value string) float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}

func (f *ThumbnailFinder) accept(baseURL, candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if f.policy.Rejects(candidate) {
		return "", false
	}

	ref, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref.String(), true
	}
	return base.ResolveReference(ref).String(), true
}

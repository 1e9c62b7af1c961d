package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const feedAccept = "application/rss+xml, application/atom+xml, application/xml, text/rss+xml, text/xml"

type Fetcher struct {
	client    *http.Client
	userAgent string
	accept    string
}

func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, userAgent: userAgent, accept: feedAccept}
}

// WithAccept returns a copy of the fetcher sending a different Accept header.
func (f *Fetcher) WithAccept(accept string) *Fetcher {
	clone := *f
	clone.accept = accept
	return &clone
}

type Response struct {
	URL        string
	Status     int
	StatusText string
	Headers    map[string]string // Lowercased names, first value only
	Body       io.ReadCloser

	cancel context.CancelFunc
}

func (r *Response) NotModified() bool {
	return r.Status == http.StatusNotModified
}

func (r *Response) ContentType() string {
	return r.Headers["content-type"]
}

// Close releases the body and the fetch deadline.
func (r *Response) Close() error {
	defer r.cancel()
	return r.Body.Close()
}

// Run issues a GET for url. Unless force is set, validators from prevHeaders
// turn it into a conditional request. The timeout covers the whole exchange,
// body reads included, until the response is closed. Any status is returned
// as a Response; only transport failures are errors.
func (f *Fetcher) Run(ctx context.Context, url string, prevHeaders map[string]string, force bool, timeout time.Duration) (*Response, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", f.accept)

	if !force {
		if etag := prevHeaders["etag"]; etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified := prevHeaders["last-modified"]; lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		timedOut := isTimeout(ctx, err)
		cancel()
		return nil, &FetchError{URL: url, Timeout: timedOut, Err: err}
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	return &Response{
		URL:        url,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       &deadlineBody{ReadCloser: resp.Body, ctx: ctx, url: url},
		cancel:     cancel,
	}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// deadlineBody reports reads interrupted by the fetch deadline as FetchErrors.
type deadlineBody struct {
	io.ReadCloser
	ctx context.Context
	url string
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		return n, &FetchError{URL: b.url, Timeout: isTimeout(b.ctx, err), Err: err}
	}
	return n, err
}

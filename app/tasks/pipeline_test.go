package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/feeder/app/database"
	"github.com/lysyi3m/feeder/app/feed"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubFinder struct {
	calls atomic.Int64
	err   error
}

func (f *stubFinder) Run(_ context.Context, pageURL string, _ time.Duration) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return pageURL + "/thumb.jpg", nil
}

type stubEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	fail    bool
}

func (e *stubEmbedder) Run(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.batches = append(e.batches, texts)
	if e.fail {
		return nil, errors.New("embedding service unavailable")
	}

	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, float32(i)}
	}
	return vectors, nil
}

func (e *stubEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

// feedServer serves an RSS document whose items can be swapped between polls.
type feedServer struct {
	*httptest.Server
	mu       sync.Mutex
	guids    []string
	etag     string
	requests atomic.Int64
}

func newFeedServer(t *testing.T, guids ...string) *feedServer {
	t.Helper()

	fs := &feedServer{guids: guids}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)

		fs.mu.Lock()
		etag := fs.etag
		guids := fs.guids
		fs.mu.Unlock()

		switch r.URL.Path {
		case "/broken":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("this is not a feed"))
			return
		case "/gone":
			w.WriteHeader(http.StatusGone)
			return
		case "/slow":
			w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel>`))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}

		if etag != "" {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
		}

		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		_, _ = w.Write([]byte(rssDocument(guids)))
	}))
	t.Cleanup(fs.Close)

	return fs
}

func (fs *feedServer) setGUIDs(guids ...string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.guids = guids
}

func (fs *feedServer) setETag(etag string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.etag = etag
}

func rssDocument(guids []string) string {
	var items strings.Builder
	for i, guid := range guids {
		fmt.Fprintf(&items, `
		<item>
			<guid>%s</guid>
			<title>Item %s</title>
			<link>https://example.com/%s</link>
			<description>Summary %s</description>
			<pubDate>%s</pubDate>
		</item>`, guid, guid, guid, guid, time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC1123Z))
	}

	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
	<channel>
		<title>Test Feed</title>
		<link>https://example.com/</link>
		<description>Feed for tests</description>` + items.String() + `
	</channel>
</rss>`
}

type testEnv struct {
	db        *database.DB
	feeds     *database.FeedRepo
	items     *database.ItemRepo
	vectors   *database.EmbeddingRepo
	finder    *stubFinder
	embedder  *stubEmbedder
	pipeline  *Pipeline
	opts      PollOptions
	feedByURL map[string]int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.OpenAndMigrate(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		db:        db,
		feeds:     database.NewFeedRepository(db),
		items:     database.NewItemRepository(db),
		vectors:   database.NewEmbeddingRepository(db),
		finder:    &stubFinder{},
		embedder:  &stubEmbedder{},
		feedByURL: map[string]int64{},
		opts: PollOptions{
			Timeout:              time.Second,
			MaxAge:               30 * time.Minute,
			MaxItems:             100,
			Concurrency:          4,
			ThumbnailConcurrency: 2,
			ThumbnailTimeout:     time.Second,
			EmbeddingConcurrency: 1,
		},
	}
	env.pipeline = NewPipeline(env.feeds, env.items, env.vectors,
		feed.NewFetcher(nil, "feeder-test"), feed.NewNormalizer("utf-8"), feed.NewParser(),
		env.finder, env.embedder, quietLogger())

	return env
}

func (env *testEnv) subscribe(t *testing.T, url string) int64 {
	t.Helper()

	id, err := env.feeds.UpsertFeed(context.Background(), database.Feed{URL: url})
	require.NoError(t, err)
	env.feedByURL[url] = id
	return id
}

func (env *testEnv) poll(t *testing.T, opts PollOptions) map[int64][]int64 {
	t.Helper()

	feeds, err := env.feeds.ListFeeds(context.Background())
	require.NoError(t, err)
	return env.pipeline.Poll(context.Background(), feeds, opts)
}

func (env *testEnv) fetchFeed(t *testing.T, id int64) *database.Feed {
	t.Helper()

	f, err := env.feeds.FetchFeedByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func TestPollStoresAndEnrichesNewItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	server := newFeedServer(t, "a", "b", "c")
	feedID := env.subscribe(t, server.URL+"/feed")

	results := env.poll(t, env.opts)
	require.Len(t, results[feedID], 3)

	f := env.fetchFeed(t, feedID)
	assert.Equal(t, "Test Feed", f.Title)
	assert.Equal(t, "https://example.com/", f.Link)
	assert.Equal(t, http.StatusOK, f.Status)
	assert.Empty(t, f.LastError)
	assert.NotNil(t, f.LastValidatedAt)
	assert.NotNil(t, f.LastParsedAt)
	assert.Equal(t, "utf-8", f.Metadata.Charset)
	require.NotNil(t, f.NewestItemDate)
	assert.True(t, f.NewestItemDate.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)))

	items, err := env.items.FetchFeedItemsByIDs(ctx, results[feedID])
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, "Summary "+item.GUID, item.Summary)
		require.NotNil(t, item.ThumbnailURL)
		assert.Equal(t, item.Link+"/thumb.jpg", *item.ThumbnailURL)
		assert.NotNil(t, item.FirstSeenAt)

		has, err := env.vectors.HasEmbedding(ctx, item.ID)
		require.NoError(t, err)
		assert.True(t, has, "item %s should be embedded", item.GUID)
	}

	// Items are embedded one per call as they arrive.
	assert.Equal(t, 3, env.embedder.calls())
}

func TestPollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	server := newFeedServer(t, "a", "b")
	feedID := env.subscribe(t, server.URL+"/feed")

	opts := env.opts
	opts.ForceFetch = true

	first := env.poll(t, opts)
	require.Len(t, first[feedID], 2)

	second := env.poll(t, opts)
	require.Contains(t, second, feedID)
	assert.Empty(t, second[feedID])

	count, err := env.items.CountFeedItems(ctx, feedID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(2), env.finder.calls.Load())
}

func TestPollDetectsDefunctItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	server := newFeedServer(t, "a", "b", "c")
	feedID := env.subscribe(t, server.URL+"/feed")

	opts := env.opts
	opts.ForceFetch = true
	opts.SkipThumbnails = true
	opts.SkipEmbeddings = true

	first := env.poll(t, opts)
	require.Len(t, first[feedID], 3)

	server.setGUIDs("a", "c", "d")
	second := env.poll(t, opts)
	require.Len(t, second[feedID], 1)

	items, err := env.items.FetchFeedItemsByFeed(ctx, feedID, 10, 0)
	require.NoError(t, err)

	byGUID := map[string]database.FeedItem{}
	for _, item := range items {
		byGUID[item.GUID] = item
	}
	require.Len(t, byGUID, 4)
	assert.Equal(t, second[feedID][0], byGUID["d"].ID)
	assert.NotNil(t, byGUID["b"].LastSeenAt)
	assert.Nil(t, byGUID["a"].LastSeenAt)
	assert.Nil(t, byGUID["c"].LastSeenAt)
	assert.Nil(t, byGUID["d"].LastSeenAt)

	// b comes back and is no longer defunct.
	server.setGUIDs("a", "b", "c", "d")
	third := env.poll(t, opts)
	assert.Empty(t, third[feedID])

	item, err := env.items.FetchFeedItemByID(ctx, byGUID["b"].ID)
	require.NoError(t, err)
	assert.Nil(t, item.LastSeenAt)

	assert.Zero(t, env.finder.calls.Load())
	assert.Zero(t, env.embedder.calls())
}

func TestPollSkipsFreshFeeds(t *testing.T) {
	env := newTestEnv(t)
	server := newFeedServer(t, "a")
	feedID := env.subscribe(t, server.URL+"/feed")

	first := env.poll(t, env.opts)
	require.Contains(t, first, feedID)
	assert.Equal(t, int64(1), server.requests.Load())

	second := env.poll(t, env.opts)
	assert.NotContains(t, second, feedID)
	assert.Equal(t, int64(1), server.requests.Load())

	forced := env.opts
	forced.ForceFetch = true
	third := env.poll(t, forced)
	assert.Contains(t, third, feedID)
	assert.Equal(t, int64(2), server.requests.Load())
}

func TestPollSkipsDisabledFeeds(t *testing.T) {
	env := newTestEnv(t)
	server := newFeedServer(t, "a")
	feedID := env.subscribe(t, server.URL+"/feed")
	require.NoError(t, env.feeds.SetFeedDisabled(context.Background(), feedID, true))

	opts := env.opts
	opts.ForceFetch = true
	results := env.poll(t, opts)

	assert.Empty(t, results)
	assert.Zero(t, server.requests.Load())
}

func TestPollNotModified(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	server := newFeedServer(t, "a", "b")
	server.setETag(`"v1"`)
	feedID := env.subscribe(t, server.URL+"/feed")

	opts := env.opts
	opts.MaxAge = 0

	first := env.poll(t, opts)
	require.Len(t, first[feedID], 2)
	before := env.fetchFeed(t, feedID)
	assert.Equal(t, `"v1"`, before.Metadata.Headers["etag"])

	// The document changes but the validator still matches.
	server.setGUIDs("a", "b", "c")
	second := env.poll(t, opts)
	require.Contains(t, second, feedID)
	assert.Empty(t, second[feedID])

	after := env.fetchFeed(t, feedID)
	assert.Equal(t, http.StatusNotModified, after.Status)
	assert.Equal(t, `"v1"`, after.Metadata.Headers["etag"])
	assert.Equal(t, before.LastParsedAt.UnixMilli(), after.LastParsedAt.UnixMilli())
	assert.True(t, after.LastValidatedAt.After(*before.LastValidatedAt) || after.LastValidatedAt.Equal(*before.LastValidatedAt))

	count, err := env.items.CountFeedItems(ctx, feedID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Forcing bypasses the validators.
	opts.ForceFetch = true
	third := env.poll(t, opts)
	assert.Len(t, third[feedID], 1)
}

func TestPollIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	server := newFeedServer(t, "a", "b")

	goodID := env.subscribe(t, server.URL+"/feed")
	brokenID := env.subscribe(t, server.URL+"/broken")
	goneID := env.subscribe(t, server.URL+"/gone")
	unreachableID := env.subscribe(t, "http://127.0.0.1:1/feed")

	results := env.poll(t, env.opts)

	assert.Len(t, results[goodID], 2)
	assert.NotContains(t, results, brokenID)
	assert.NotContains(t, results, goneID)
	assert.NotContains(t, results, unreachableID)

	broken := env.fetchFeed(t, brokenID)
	assert.Equal(t, 1, strings.Count(broken.LastError, "failed to parse feed"), broken.LastError)
	assert.NotNil(t, broken.LastValidatedAt)
	assert.Nil(t, broken.LastParsedAt)

	gone := env.fetchFeed(t, goneID)
	assert.Equal(t, http.StatusGone, gone.Status)
	assert.Empty(t, gone.LastError)

	unreachable := env.fetchFeed(t, unreachableID)
	assert.Contains(t, unreachable.LastError, "failed to fetch feed")
}

func TestPollReportsBodyTimeoutAsFetchError(t *testing.T) {
	env := newTestEnv(t)
	server := newFeedServer(t, "a")

	fastID := env.subscribe(t, server.URL+"/feed")
	slowID := env.subscribe(t, server.URL+"/slow")

	opts := env.opts
	opts.Timeout = 200 * time.Millisecond

	started := time.Now()
	results := env.poll(t, opts)

	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Len(t, results[fastID], 1)
	assert.NotContains(t, results, slowID)

	slow := env.fetchFeed(t, slowID)
	assert.Contains(t, slow.LastError, "timed out")
	assert.NotContains(t, slow.LastError, "parse")
	assert.Nil(t, slow.LastParsedAt)

	task := env.pipeline.newPollFeedTask(*slow, PollOptions{ForceFetch: true, Timeout: 200 * time.Millisecond, MaxItems: 100}, nil)
	err := task.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, feed.ErrFetchTimeout), err.Error())
	assert.False(t, task.Completed)
}

func TestPollTruncatesNewItemsButKeepsThemSeen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	server := newFeedServer(t, "a", "b", "c", "d")
	feedID := env.subscribe(t, server.URL+"/feed")

	opts := env.opts
	opts.MaxItems = 2
	opts.SkipThumbnails = true
	opts.SkipEmbeddings = true

	results := env.poll(t, opts)
	require.Len(t, results[feedID], 2)

	items, err := env.items.FetchFeedItemsByIDs(ctx, results[feedID])
	require.NoError(t, err)
	assert.Equal(t, "a", items[0].GUID)
	assert.Equal(t, "b", items[1].GUID)
}

func TestThumbnailTaskStoresNoneOnFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	feedID := env.subscribe(t, "https://example.com/feed")

	id, err := env.items.UpsertFeedItem(ctx, database.FeedItem{FeedID: feedID, GUID: "x", Date: time.Now(), Link: "https://example.com/x"})
	require.NoError(t, err)

	finder := &stubFinder{err: errors.New("timeout")}
	task := NewThumbnailTask(id, finder, env.items, time.Second, quietLogger())
	require.NoError(t, task.Execute(ctx))

	item, err := env.items.FetchFeedItemByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, item.ThumbnailURL)
	assert.NotNil(t, item.ThumbnailUpdatedAt)

	pending, err := env.items.ListFeedItemIDsWithoutThumbnails(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestThumbnailTaskSkipsStoredThumbnail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	feedID := env.subscribe(t, "https://example.com/feed")

	id, err := env.items.UpsertFeedItem(ctx, database.FeedItem{FeedID: feedID, GUID: "x", Date: time.Now(), Link: "https://example.com/x"})
	require.NoError(t, err)
	require.NoError(t, env.items.UpdateFeedItemThumbnail(ctx, id, "https://cdn.example.com/x.png"))

	task := NewThumbnailTask(id, env.finder, env.items, time.Second, quietLogger())
	require.NoError(t, task.Execute(ctx))
	assert.Zero(t, env.finder.calls.Load())
}

func seedItems(t *testing.T, env *testEnv, n int) []int64 {
	t.Helper()

	feedID := env.subscribe(t, "https://example.com/feed")
	ids := make([]int64, 0, n)
	for i := range n {
		id, err := env.items.UpsertFeedItem(context.Background(), database.FeedItem{
			FeedID: feedID,
			GUID:   fmt.Sprintf("item-%d", i),
			Date:   time.Now(),
			Title:  fmt.Sprintf("Item %d", i),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestEmbedTaskIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := seedItems(t, env, 3)

	failing := &stubEmbedder{fail: true}
	task := NewEmbedTask(ids, failing, env.items, env.vectors, quietLogger())
	require.Error(t, task.Execute(ctx))

	missing, err := env.vectors.ListFeedItemIDsWithoutEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, missing)

	task = NewEmbedTask(ids, env.embedder, env.items, env.vectors, quietLogger())
	require.NoError(t, task.Execute(ctx))
	assert.Equal(t, 3, task.Embedded)

	missing, err = env.vectors.ListFeedItemIDsWithoutEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestEmbedTaskSkipsEmbeddedItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := seedItems(t, env, 3)

	require.NoError(t, env.vectors.InsertFeedItemEmbeddings(ctx, []database.Embedding{
		{FeedItemID: ids[1], Vector: []float32{0, 1}},
	}))

	task := NewEmbedTask(ids, env.embedder, env.items, env.vectors, quietLogger())
	require.NoError(t, task.Execute(ctx))

	require.Equal(t, 1, env.embedder.calls())
	assert.Len(t, env.embedder.batches[0], 2)
	assert.Equal(t, "Item 0\n\n\n", env.embedder.batches[0][0])

	task = NewEmbedTask([]int64{ids[1]}, env.embedder, env.items, env.vectors, quietLogger())
	require.NoError(t, task.Execute(ctx))
	assert.Equal(t, 1, env.embedder.calls())
}

func TestBackfillEmbeddingsInBatches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedItems(t, env, 5)

	embedded, err := env.pipeline.BackfillEmbeddings(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, embedded)
	assert.Equal(t, 3, env.embedder.calls())

	embedded, err = env.pipeline.BackfillEmbeddings(ctx, 2, 1)
	require.NoError(t, err)
	assert.Zero(t, embedded)
}

func TestBackfillThumbnails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := seedItems(t, env, 3)
	require.NoError(t, env.items.UpdateFeedItemThumbnail(ctx, ids[0], ""))

	processed, err := env.pipeline.BackfillThumbnails(ctx, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	pending, err := env.items.ListFeedItemIDsWithoutThumbnails(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

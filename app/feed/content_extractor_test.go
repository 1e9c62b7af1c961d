package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head>
	<title>Test Article</title>
</head>
<body>
	<header>
		<h1>Site Header</h1>
		<nav>Navigation</nav>
	</header>
	<main>
		<article>
			<h1>Main Article Title</h1>
			<p>This is the main content of the article. It contains several paragraphs of meaningful text that should be extracted by the readability algorithm.</p>
			<p>This is another paragraph with more content. The readability algorithm should identify this as the main content area and extract it properly.</p>
			<p>Here is some more substantial content to ensure we meet the character threshold. This paragraph adds more context and information that would be valuable to readers.</p>
		</article>
	</main>
	<footer>
		<p>Copyright 2024</p>
	</footer>
</body>
</html>`

func TestContentExtractor_Extract(t *testing.T) {
	extractor := NewContentExtractor(nil, "Test Agent")

	result, err := extractor.Extract([]byte(articleHTML), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.Contains(result, "main content of the article") {
		t.Errorf("Expected extracted content to contain main article text, got: %s", result)
	}
	if strings.Contains(result, "<p>") {
		t.Errorf("Expected plain text, got: %s", result)
	}
}

func TestContentExtractor_ExtractEmpty(t *testing.T) {
	extractor := NewContentExtractor(nil, "Test Agent")

	if _, err := extractor.Extract([]byte("   "), nil); err == nil {
		t.Error("Expected error for empty HTML")
	}
}

func TestContentExtractor_Run(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte("<rss/>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	extractor := NewContentExtractor(server.Client(), "Test Agent")

	result, err := extractor.Run(context.Background(), server.URL+"/article", time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(result, "another paragraph") {
		t.Errorf("Expected article text, got: %s", result)
	}

	if _, err := extractor.Run(context.Background(), server.URL+"/feed", time.Second); err == nil {
		t.Error("Expected error for non-HTML page")
	}
	if _, err := extractor.Run(context.Background(), server.URL+"/missing", time.Second); err == nil {
		t.Error("Expected error for 404 page")
	}
}

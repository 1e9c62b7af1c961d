package feed

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

type OpmlDocument struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    OpmlHead `xml:"head"`
	Body    OpmlBody `xml:"body"`
}

type OpmlHead struct {
	Title string `xml:"title"`
}

type OpmlBody struct {
	Outlines []OpmlOutline `xml:"outline"`
}

type OpmlOutline struct {
	Text        string        `xml:"text,attr"`
	Title       string        `xml:"title,attr"`
	Type        string        `xml:"type,attr"`
	Description string        `xml:"description,attr"`
	XMLURL      string        `xml:"xmlUrl,attr"`
	HTMLURL     string        `xml:"htmlUrl,attr"`
	Outlines    []OpmlOutline `xml:"outline"`
}

// ParseOPML returns the document title and one Subscription per outline,
// nested folders flattened in document order. Outlines without an xmlUrl
// are returned with an empty URL so callers can report them.
func ParseOPML(r io.Reader) (string, []Subscription, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	decoder.Strict = false

	var doc OpmlDocument
	if err := decoder.Decode(&doc); err != nil {
		return "", nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	var subscriptions []Subscription
	var walk func(outlines []OpmlOutline)
	walk = func(outlines []OpmlOutline) {
		for _, outline := range outlines {
			// Folders carry no feed of their own.
			if outline.XMLURL != "" || len(outline.Outlines) == 0 {
				subscriptions = append(subscriptions, Subscription{
					URL:         strings.TrimSpace(outline.XMLURL),
					Title:       cmp.Or(outline.Text, outline.Title),
					Description: outline.Description,
					Link:        strings.TrimSpace(outline.HTMLURL),
				})
			}
			walk(outline.Outlines)
		}
	}
	walk(doc.Body.Outlines)

	return doc.Head.Title, subscriptions, nil
}

package feed

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"time"
)

// Generator renders subscriptions as an OPML 2.0 document.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Run(title string, subscriptions []Subscription, generatedAt time.Time) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<opml version="2.0">`)
	buf.WriteString("\n  <head>\n")

	g.writeElement(&buf, "title", title, 4)
	g.writeElement(&buf, "dateCreated", generatedAt.UTC().Format(time.RFC1123Z), 4)

	buf.WriteString("  </head>\n  <body>\n")

	for _, sub := range subscriptions {
		if sub.URL == "" {
			continue
		}
		g.writeOutline(&buf, sub)
	}

	buf.WriteString("  </body>\n</opml>\n")

	return buf.String(), nil
}

func (g *Generator) writeOutline(buf *bytes.Buffer, sub Subscription) {
	text := cmp.Or(sub.Title, sub.URL)

	buf.WriteString(`    <outline type="rss"`)
	g.writeAttr(buf, "text", text)
	g.writeAttr(buf, "title", text)
	g.writeAttr(buf, "xmlUrl", sub.URL)
	g.writeAttr(buf, "htmlUrl", sub.Link)
	g.writeAttr(buf, "description", sub.Description)
	buf.WriteString("/>\n")
}

func (g *Generator) writeAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}

	buf.WriteString(" ")
	buf.WriteString(name)
	buf.WriteString(`="`)
	xml.EscapeText(buf, []byte(value))
	buf.WriteString(`"`)
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

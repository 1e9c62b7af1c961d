package feed

import (
	"bufio"
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var (
	utf8Pattern     = regexp.MustCompile(`(?i)^utf-?8$`)
	xmlDeclEncoding = regexp.MustCompile(`(?i)(<\?xml[^>]*?encoding\s*=\s*["'])[^"']*(["'])`)
)

const xmlDeclPeek = 1024

type Normalizer struct {
	defaultCharset string
}

func NewNormalizer(defaultCharset string) *Normalizer {
	return &Normalizer{defaultCharset: cmp.Or(defaultCharset, "utf-8")}
}

// Resolve picks the charset for a response: the Content-Type parameter, then
// the charset remembered from the previous parse, then the default.
func (n *Normalizer) Resolve(contentType, previous string) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if charset := strings.TrimSpace(params["charset"]); charset != "" {
				return charset
			}
		} else if charset := charsetParam(contentType); charset != "" {
			return charset
		}
	}
	return cmp.Or(strings.TrimSpace(previous), n.defaultCharset)
}

// Run returns a UTF-8 view of body together with the resolved charset.
func (n *Normalizer) Run(body io.Reader, contentType, previous string) (io.Reader, string, error) {
	charset := n.Resolve(contentType, previous)
	if IsUTF8(charset) {
		return body, charset, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, charset, &ParseError{Err: fmt.Errorf("unsupported charset %q: %w", charset, err)}
	}

	decoded := transform.NewReader(body, enc.NewDecoder())
	reader, err := rewriteXMLDeclaration(decoded)
	if err != nil {
		return nil, charset, err
	}
	return reader, charset, nil
}

func IsUTF8(charset string) bool {
	return utf8Pattern.MatchString(strings.TrimSpace(charset))
}

// rewriteXMLDeclaration marks an already transcoded document as utf-8 so the
// XML decoder does not convert it a second time.
func rewriteXMLDeclaration(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, xmlDeclPeek)
	head, err := br.Peek(xmlDeclPeek)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &ParseError{Err: fmt.Errorf("failed to read feed head: %w", err)}
	}
	if !xmlDeclEncoding.Match(head) {
		return br, nil
	}

	rewritten := xmlDeclEncoding.ReplaceAll(bytes.Clone(head), []byte("${1}utf-8${2}"))
	if _, err := br.Discard(len(head)); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("failed to read feed head: %w", err)}
	}
	return io.MultiReader(bytes.NewReader(rewritten), br), nil
}

func charsetParam(contentType string) string {
	for _, part := range strings.Split(contentType, ";") {
		key, value, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "charset") {
			return strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return ""
}

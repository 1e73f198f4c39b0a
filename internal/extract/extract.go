// Package extract turns uploaded bytes into the plain text the splitter works on.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"ragindex/internal/domain"
)

// Content types recognised after normalisation.
const (
	TypeMarkdown = "text/markdown"
	TypePlain    = "text/plain"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
)

var passthrough = map[string]struct{}{
	TypeMarkdown:         {},
	"text/x-markdown":    {},
	TypePlain:            {},
	"text/csv":           {},
	"application/json":   {},
	"application/x-yaml": {},
	"application/yaml":   {},
	"text/yaml":          {},
	"application/xml":    {},
	"text/xml":           {},
}

var byExtension = map[string]string{
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".txt":      TypePlain,
	".csv":      "text/csv",
	".json":     "application/json",
	".yaml":     "application/yaml",
	".yml":      "application/yaml",
	".xml":      "application/xml",
	".html":     TypeHTML,
	".htm":      TypeHTML,
	".pdf":      TypePDF,
}

// Extractor implements domain.Extractor for text, HTML and PDF inputs.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

var _ domain.Extractor = (*Extractor)(nil)

// Extract returns the text of data. An empty or generic contentType is sniffed.
func (e *Extractor) Extract(data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	ct := Normalize(contentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = Detect(data)
	}
	var (
		text string
		err  error
	)
	switch {
	case ct == TypePDF:
		text, err = extractPDF(data)
	case ct == TypeHTML:
		text, err = extractHTML(data)
	case isPassthrough(ct):
		text, err = extractText(data)
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, ct)
	}
	if err != nil {
		return "", err
	}
	if (ct == TypePDF || ct == TypeHTML) && strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: no text could be extracted from %s content", domain.ErrInvalidInput, ct)
	}
	return text, nil
}

// Normalize lowercases contentType and strips parameters such as charset.
func Normalize(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(contentType)
	}
	return mt
}

// Detect sniffs the content type of data, trying the stdlib table before mimetype.
func Detect(data []byte) string {
	if len(data) == 0 {
		return "application/octet-stream"
	}
	if mt := Normalize(http.DetectContentType(data)); mt != "application/octet-stream" {
		return mt
	}
	return Normalize(mimetype.Detect(data).String())
}

// FromFilename guesses a content type from the file extension, or "" when unknown.
func FromFilename(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return byExtension[strings.ToLower(name[i:])]
}

func isPassthrough(ct string) bool {
	if _, ok := passthrough[ct]; ok {
		return true
	}
	return strings.HasPrefix(ct, "text/")
}

func extractText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: content is not valid utf-8", domain.ErrInvalidInput)
	}
	return string(data), nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: read pdf: %w", domain.ErrInvalidInput, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: pdf text: %w", domain.ErrInvalidInput, err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(out), nil
}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "tr": {}, "section": {}, "article": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "pre": {}, "blockquote": {},
}

func extractHTML(data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("%w: parse html: %w", domain.ErrInvalidInput, err)
			}
			return collapseBlankLines(b.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if _, ok := blockElements[tag]; ok {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if _, ok := blockElements[tag]; ok {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			blankRun++
			if blankRun > 1 || len(out) == 0 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

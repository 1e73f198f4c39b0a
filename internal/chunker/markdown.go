package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"ragindex/internal/domain"
)

var atxHeader = regexp.MustCompile(`^ {0,3}(#{1,6})[ \t]+(.+?)[ \t]*$`)

// section is the body text that follows one header, up to the next header of
// any level the splitter tracks.
type section struct {
	headers [domain.MaxHeaderLevels]string
	body    string
	// offset is the rune offset of body within the full text.
	offset int
}

func (s section) path() string {
	parts := make([]string, 0, domain.MaxHeaderLevels)
	for _, h := range s.headers {
		if h != "" {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, PathSeparator)
}

func (s section) level() int {
	n := 0
	for _, h := range s.headers {
		if h != "" {
			n++
		}
	}
	return n
}

// parseSections partitions text at ATX headers up to maxLevel. Headers inside
// fenced code blocks are ignored. Text before the first header forms a section
// with an empty path. Sections whose body is blank are dropped.
func parseSections(text string, maxLevel int) []section {
	var (
		out    []section
		cur    section
		body   strings.Builder
		bodyAt int
		pos    int
		fence  string
	)
	flush := func() {
		trimmed, lead := trimmedBody(body.String())
		if trimmed != "" {
			cur.body = trimmed
			cur.offset = bodyAt + lead
			out = append(out, cur)
		}
		body.Reset()
	}

	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		lineRunes := utf8.RuneCountInString(line)
		content := strings.TrimRight(line, "\r\n")

		if marker := fenceMarker(content); marker != "" {
			switch {
			case fence == "":
				fence = marker
			case strings.HasPrefix(marker, fence):
				fence = ""
			}
		} else if fence == "" {
			if level, title, ok := headerLine(content, maxLevel); ok {
				flush()
				next := section{}
				copy(next.headers[:level-1], cur.headers[:level-1])
				next.headers[level-1] = title
				cur = next
				pos += lineRunes
				bodyAt = pos
				continue
			}
		}
		body.WriteString(line)
		pos += lineRunes
	}
	flush()
	return out
}

func headerLine(line string, maxLevel int) (int, string, bool) {
	m := atxHeader.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	level := len(m[1])
	if level > maxLevel {
		return 0, "", false
	}
	title := closingHashes(m[2])
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

// closingHashes strips an optional closing sequence such as "Title ##".
func closingHashes(title string) string {
	trimmed := strings.TrimRight(title, "#")
	if trimmed == title {
		return title
	}
	if trimmed == "" {
		return ""
	}
	if r, _ := utf8.DecodeLastRuneInString(trimmed); r == ' ' || r == '\t' {
		return strings.TrimSpace(trimmed)
	}
	return title
}

func fenceMarker(line string) string {
	s := strings.TrimLeft(line, " ")
	if len(line)-len(s) > 3 {
		return ""
	}
	for _, ch := range []string{"`", "~"} {
		n := 0
		for n < len(s) && s[n] == ch[0] {
			n++
		}
		if n >= 3 {
			return s[:n]
		}
	}
	return ""
}

// trimmedBody trims surrounding whitespace and reports how many runes were cut
// from the front.
func trimmedBody(s string) (string, int) {
	trimmed := strings.TrimLeftFunc(s, unicode.IsSpace)
	lead := utf8.RuneCountInString(s[:len(s)-len(trimmed)])
	return strings.TrimRightFunc(trimmed, unicode.IsSpace), lead
}

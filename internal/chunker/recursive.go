package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

var recursiveSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// recursive splits on the coarsest separator that keeps pieces under the chunk
// size. Offsets are located by searching forward from the previous piece, so
// they keep increasing even when a piece repeats earlier text.
func (s *Splitter) recursive(text string) ([]span, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.size),
		textsplitter.WithChunkOverlap(s.overlap),
		textsplitter.WithSeparators(recursiveSeparators),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("recursive split: %w", err)
	}

	spans := make([]span, 0, len(parts))
	byteFrom, runeFrom := 0, 0
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		offset := runeFrom
		if i := strings.Index(text[byteFrom:], part); i >= 0 {
			at := byteFrom + i
			offset = utf8.RuneCountInString(text[:at])
			_, width := utf8.DecodeRuneInString(part)
			byteFrom, runeFrom = at+width, offset+1
		}
		spans = append(spans, span{text: part, offset: offset})
	}
	return spans, nil
}

package chunker

import "unicode"

// Natural boundaries, strongest first. The window end snaps back to the last
// boundary found in the final 30% of the window.
var (
	paragraphBreak = []rune("\n\n")
	sentenceEnds   = [][]rune{[]rune(".\n"), []rune("!\n"), []rune("?\n"), []rune(". "), []rune("! "), []rune("? ")}
	lineBreak      = []rune("\n")
	wordBreak      = []rune(" ")
)

// window slides a ChunkSize rune window over text. Consecutive spans overlap by
// at most s.overlap runes and never leave a gap.
func (s *Splitter) window(text string) ([]span, error) {
	runes := []rune(text)
	n := len(runes)
	var spans []span
	start := 0
	for start < n {
		end := start + s.size
		if end > n {
			end = n
		}
		if end < n {
			end = breakPoint(runes, start, end)
		}
		if !blank(runes[start:end]) {
			spans = append(spans, span{text: string(runes[start:end]), offset: start})
		}
		if end >= n {
			break
		}
		next := end - s.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return spans, nil
}

func breakPoint(runes []rune, start, end int) int {
	searchStart := start + (end-start)*7/10
	region := runes[searchStart:end]
	if i := lastIndex(region, paragraphBreak); i >= 0 {
		return searchStart + i + len(paragraphBreak)
	}
	best := -1
	for _, sep := range sentenceEnds {
		if i := lastIndex(region, sep); i > best {
			best = i
		}
	}
	if best >= 0 {
		return searchStart + best + 1
	}
	if i := lastIndex(region, lineBreak); i >= 0 {
		return searchStart + i + 1
	}
	if i := lastIndex(region, wordBreak); i >= 0 {
		return searchStart + i + 1
	}
	return end
}

func lastIndex(haystack, needle []rune) int {
	for i := len(haystack) - len(needle); i >= 0; i-- {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func blank(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Package summarizer builds short extractive summaries of stored documents.
package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"ragindex/internal/domain"
)

// DefaultSentences is used when a caller asks for no particular length.
const DefaultSentences = 3

var (
	tokenPattern    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentencePattern = regexp.MustCompile(`(?U)[^.!?\n]+[.!?]|[^.!?\n]+$`)
	headerLine      = regexp.MustCompile(`^ {0,3}#{1,6}[ \t]`)
)

// Frequency ranks sentences by the normalised frequency of their words.
type Frequency struct {
	stopwords map[string]struct{}
}

// NewFrequency creates a frequency-based sentence ranker.
func NewFrequency() *Frequency {
	return &Frequency{stopwords: defaultStopwords()}
}

// Summarize returns the maxSentences highest ranked sentences of text in reading order.
func (s *Frequency) Summarize(text string, maxSentences int) string {
	return s.summarize(Sentences(text), maxSentences)
}

// SummarizeChunks summarizes a document from its chunks. Sentences repeated by
// overlapping chunks count once.
func (s *Frequency) SummarizeChunks(chunks []domain.Chunk, maxSentences int) string {
	seen := make(map[string]struct{})
	var all []string
	for _, c := range chunks {
		for _, sent := range Sentences(c.Content) {
			if _, ok := seen[sent]; ok {
				continue
			}
			seen[sent] = struct{}{}
			all = append(all, sent)
		}
	}
	return s.summarize(all, maxSentences)
}

func (s *Frequency) summarize(sents []string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = DefaultSentences
	}
	if len(sents) == 0 {
		return ""
	}
	freq := map[string]float64{}
	for _, sent := range sents {
		for _, tok := range Tokens(sent) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}

	type ranked struct {
		idx   int
		score float64
	}
	scores := make([]ranked, len(sents))
	for i, sent := range sents {
		toks := Tokens(sent)
		score := 0.0
		for _, tok := range toks {
			score += freq[tok]
		}
		if maxF > 0 && len(toks) > 0 {
			// long sentences would win on sums alone
			score /= maxF * math.Sqrt(float64(len(toks)))
		}
		scores[i] = ranked{i, score}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	maxSentences = min(maxSentences, len(scores))

	selected := make([]int, maxSentences)
	for i := range selected {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = sents[idx]
	}
	return strings.Join(out, " ")
}

// Sentences splits text into trimmed sentences, skipping markdown header lines.
func Sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if headerLine.MatchString(line) {
			continue
		}
		for _, sent := range sentencePattern.FindAllString(line, -1) {
			if sent = strings.TrimSpace(sent); sent != "" {
				out = append(out, sent)
			}
		}
	}
	return out
}

// Tokens returns the lower-cased words of text.
func Tokens(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

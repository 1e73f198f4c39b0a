// Package chunker splits document text into ordered pieces, optionally following
// the markdown header hierarchy first.
package chunker

import (
	"fmt"
	"strings"

	"ragindex/internal/domain"
)

// Flat-mode strategies.
const (
	StrategyWindow    = "window"
	StrategyRecursive = "recursive"
)

// Mode selects flat or header-aware splitting.
type Mode int

const (
	Flat Mode = iota
	Hierarchical
)

// PathSeparator joins header titles into a section path.
const PathSeparator = " > "

// Options configures a Splitter.
type Options struct {
	ChunkSize      int
	OverlapRatio   float64
	MaxHeaderLevel int
	Strategy       string
}

// Piece is one chunk of text in reading order.
type Piece struct {
	SectionPath string
	Headers     [domain.MaxHeaderLevels]string
	Level       int
	Content     string
	// Offset is the rune offset of Content within the split text.
	Offset int
}

// Splitter turns text into pieces. It is safe for concurrent use.
type Splitter struct {
	size     int
	overlap  int
	maxLevel int
	flat     func(text string) ([]span, error)
}

type span struct {
	text   string
	offset int
}

// New validates opts and builds a Splitter.
func New(opts Options) (*Splitter, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidConfig, opts.ChunkSize)
	}
	if opts.OverlapRatio < 0 || opts.OverlapRatio >= 1 {
		return nil, fmt.Errorf("%w: overlap ratio must be in [0, 1), got %g", domain.ErrInvalidConfig, opts.OverlapRatio)
	}
	if opts.MaxHeaderLevel == 0 {
		opts.MaxHeaderLevel = domain.MaxHeaderLevels
	}
	if opts.MaxHeaderLevel < 1 || opts.MaxHeaderLevel > domain.MaxHeaderLevels {
		return nil, fmt.Errorf("%w: max header level must be 1..%d, got %d",
			domain.ErrInvalidConfig, domain.MaxHeaderLevels, opts.MaxHeaderLevel)
	}
	s := &Splitter{
		size:     opts.ChunkSize,
		overlap:  int(float64(opts.ChunkSize) * opts.OverlapRatio),
		maxLevel: opts.MaxHeaderLevel,
	}
	switch strings.ToLower(opts.Strategy) {
	case StrategyWindow, "":
		s.flat = s.window
	case StrategyRecursive:
		s.flat = s.recursive
	default:
		return nil, fmt.Errorf("%w: unknown split strategy %q", domain.ErrInvalidConfig, opts.Strategy)
	}
	return s, nil
}

// Split returns the pieces of text in reading order. Empty text yields no pieces.
func (s *Splitter) Split(text string, mode Mode) ([]Piece, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if mode == Flat {
		spans, err := s.flat(text)
		if err != nil {
			return nil, err
		}
		pieces := make([]Piece, 0, len(spans))
		for _, sp := range spans {
			pieces = append(pieces, Piece{Content: sp.text, Offset: sp.offset})
		}
		return pieces, nil
	}
	var pieces []Piece
	for _, sec := range parseSections(text, s.maxLevel) {
		spans, err := s.flat(sec.body)
		if err != nil {
			return nil, err
		}
		for _, sp := range spans {
			pieces = append(pieces, Piece{
				SectionPath: sec.path(),
				Headers:     sec.headers,
				Level:       sec.level(),
				Content:     sp.text,
				Offset:      sec.offset + sp.offset,
			})
		}
	}
	return pieces, nil
}

// Package tui is the interactive search browser.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ragindex/internal/domain"
	"ragindex/internal/service"
	"ragindex/internal/summarizer"
)

// SearchPort is the TUI-facing subset of the search service.
type SearchPort interface {
	Search(ctx context.Context, q domain.SearchQuery) (*service.SearchResponse, error)
	DefaultLimit() int
}

// Model is the Bubble Tea model that pages through search results.
type Model struct {
	ctx       context.Context
	service   SearchPort
	namespace domain.Namespace
	input     textinput.Model
	viewport  viewport.Model
	page      *service.SearchResponse
	status    string
	cursor    int
	offset    int
	ready     bool
	lastQuery string
}

// New creates a new TUI model searching ns (empty for the configured default).
func New(ctx context.Context, svc SearchPort, ns domain.Namespace) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:       ctx,
		service:   svc,
		namespace: ns,
		input:     ti,
		viewport:  vp,
		status:    "Type to search. Up/Down move within a page, PgUp/PgDown change page.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 1 + 1 + qh + 1 // header, status, spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			if q := strings.TrimSpace(m.input.Value()); q != "" {
				m.lastQuery = q
				m.load(0)
				return m, nil
			}
		case "down":
			if n := m.resultCount(); n > 0 {
				m.cursor = (m.cursor + 1) % n
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if n := m.resultCount(); n > 0 {
				m.cursor = (m.cursor - 1 + n) % n
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "pgdown":
			if m.page != nil && m.offset+m.pageSize() < m.page.Total {
				m.load(m.offset + m.pageSize())
				return m, nil
			}
		case "pgup":
			if m.page != nil && m.offset > 0 {
				m.load(max(0, m.offset-m.pageSize()))
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// load fetches the page of lastQuery starting at offset.
func (m *Model) load(offset int) {
	resp, err := m.service.Search(m.ctx, domain.SearchQuery{
		Text:      m.lastQuery,
		Limit:     m.pageSize(),
		Offset:    offset,
		Namespace: m.namespace,
	})
	if err != nil {
		m.status = "Error: " + err.Error()
		m.page = nil
	} else {
		m.page = resp
		m.offset = offset
		m.cursor = 0
		m.status = m.pageStatus()
	}
	m.viewport.SetContent(m.renderCurrentResult())
}

func (m Model) pageSize() int { return m.service.DefaultLimit() }

func (m Model) resultCount() int {
	if m.page == nil {
		return 0
	}
	return len(m.page.Results)
}

func (m Model) pageStatus() string {
	if m.page.Total == 0 {
		return fmt.Sprintf("No results for %q", m.lastQuery)
	}
	pages := (m.page.Total + m.pageSize() - 1) / m.pageSize()
	return fmt.Sprintf("Results for %q: page %d/%d, %d matches", m.lastQuery, m.offset/m.pageSize()+1, pages, m.page.Total)
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("RAG Search")
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderCurrentResult() string {
	if m.resultCount() == 0 {
		return "No results yet."
	}
	r := m.page.Results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  score=%.3f", m.offset+m.cursor+1, m.page.Total, r.Score)
	source := r.DocumentFilename
	if r.Chunk.SectionPath != "" {
		source += "  " + r.Chunk.SectionPath
	}
	meta := metaStyle.Render(source)
	body := highlightMatch(r.Chunk.Content, m.lastQuery)
	return title + "\n" + meta + "\n\n" + body
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	metaStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// highlightMatch renders the chunk as sentences and highlights the one sharing
// the most words with the query. Nothing is highlighted without a shared word.
func highlightMatch(text, query string) string {
	sents := summarizer.Sentences(text)
	if len(sents) == 0 {
		return strings.TrimSpace(text)
	}
	want := make(map[string]struct{})
	for _, tok := range summarizer.Tokens(query) {
		want[tok] = struct{}{}
	}
	best, bestHits := -1, 0
	for i, sent := range sents {
		if hits := sharedWords(want, summarizer.Tokens(sent)); hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best >= 0 {
		sents[best] = highlightStyle.Render(sents[best])
	}
	return strings.Join(sents, " ")
}

func sharedWords(want map[string]struct{}, toks []string) int {
	seen := make(map[string]struct{}, len(toks))
	for _, tok := range toks {
		if _, ok := want[tok]; ok {
			seen[tok] = struct{}{}
		}
	}
	return len(seen)
}

package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ragindex/internal/domain"
	"ragindex/internal/service"
	"ragindex/internal/tui"
)

const snippetRunes = 160

func newSearchCmd(app func() *App) *cobra.Command {
	var (
		limit     int
		offset    int
		document  string
		section   string
		headers   []string
		namespace string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search stored chunks by similarity",
		Long: `Embeds the query and returns the closest chunks, best first. Pages are
stable: the same query with the next offset continues where the last page ended.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := namespaceFlag(namespace)
			if err != nil {
				return err
			}
			filter, err := parseFilter(document, section, headers)
			if err != nil {
				return err
			}
			a := app()
			if !cmd.Flags().Changed("limit") {
				limit = a.Search.DefaultLimit()
			}
			resp, err := a.Search.Search(cmd.Context(), domain.SearchQuery{
				Text:      args[0],
				Limit:     limit,
				Offset:    offset,
				Filter:    filter,
				Namespace: ns,
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			if asJSON {
				return outputSearchJSON(cmd, resp)
			}
			outputSearchTable(cmd, resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "results per page (default from config)")
	cmd.Flags().IntVar(&offset, "offset", 0, "results to skip")
	cmd.Flags().StringVar(&document, "document", "", "only chunks of this document ID")
	cmd.Flags().StringVar(&section, "section", "", `only chunks under this exact section path, e.g. "Intro > Details"`)
	cmd.Flags().StringArrayVar(&headers, "header", nil, "only chunks whose header at LEVEL is TEXT, as LEVEL=TEXT (repeatable)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace prefix to search")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

// parseFilter builds a search filter from the command flags.
func parseFilter(document, section string, headers []string) (domain.Filter, error) {
	f := domain.Filter{DocumentID: document, SectionPath: section}
	for _, raw := range headers {
		level, text, ok := strings.Cut(raw, "=")
		n, err := strconv.Atoi(strings.TrimSpace(level))
		if !ok || err != nil || n < 1 || n > domain.MaxHeaderLevels || text == "" {
			return domain.Filter{}, fmt.Errorf("%w: header filter %q must be LEVEL=TEXT with LEVEL 1-%d",
				domain.ErrInvalidInput, raw, domain.MaxHeaderLevels)
		}
		f.Headers[n-1] = text
	}
	return f, nil
}

type jsonResult struct {
	ChunkID     string   `json:"chunk_id"`
	DocumentID  string   `json:"document_id"`
	Filename    string   `json:"filename"`
	Index       int      `json:"chunk_index"`
	SectionPath string   `json:"section_path,omitempty"`
	Headers     []string `json:"headers,omitempty"`
	Score       float64  `json:"score"`
	Content     string   `json:"content"`
}

type jsonPage struct {
	Query     string       `json:"query"`
	Namespace string       `json:"namespace"`
	Total     int          `json:"total"`
	Limit     int          `json:"limit"`
	Offset    int          `json:"offset"`
	Results   []jsonResult `json:"results"`
}

func outputSearchJSON(cmd *cobra.Command, resp *service.SearchResponse) error {
	page := jsonPage{
		Query:     resp.Query,
		Namespace: string(resp.Namespace),
		Total:     resp.Total,
		Limit:     resp.Limit,
		Offset:    resp.Offset,
		Results:   make([]jsonResult, len(resp.Results)),
	}
	for i, r := range resp.Results {
		page.Results[i] = jsonResult{
			ChunkID:     r.Chunk.ID,
			DocumentID:  r.Chunk.DocumentID,
			Filename:    r.DocumentFilename,
			Index:       r.Chunk.Index,
			SectionPath: r.Chunk.SectionPath,
			Headers:     headerList(r.Chunk.Headers),
			Score:       r.Score,
			Content:     r.Chunk.Content,
		}
	}
	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

// headerList drops the unused trailing levels.
func headerList(h [domain.MaxHeaderLevels]string) []string {
	n := len(h)
	for n > 0 && h[n-1] == "" {
		n--
	}
	if n == 0 {
		return nil
	}
	return h[:n:n]
}

func outputSearchTable(cmd *cobra.Command, resp *service.SearchResponse) {
	if len(resp.Results) == 0 {
		cmd.Printf("No results found (%d matches in total).\n", resp.Total)
		return
	}
	for i, r := range resp.Results {
		cmd.Printf("  [%d] %s (%.3f)\n", resp.Offset+i+1, r.DocumentFilename, r.Score)
		if r.Chunk.SectionPath != "" {
			cmd.Printf("      Section: %s\n", r.Chunk.SectionPath)
		}
		cmd.Printf("      %s\n\n", snippet(r.Chunk.Content))
	}
	cmd.Printf("%d-%d of %d\n", resp.Offset+1, resp.Offset+len(resp.Results), resp.Total)
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes]) + "…"
}

func newNamespacesCmd(app func() *App) *cobra.Command {
	var (
		prefix string
		depth  int
	)
	cmd := &cobra.Command{
		Use:   "namespaces",
		Short: "List the namespaces that hold documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := app().Search.Namespaces(cmd.Context(), domain.Namespace(prefix), depth)
			if err != nil {
				return err
			}
			for _, ns := range list {
				cmd.Println(ns)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only namespaces under this prefix")
	cmd.Flags().IntVar(&depth, "depth", 0, "cut namespaces to this many segments (0 keeps them whole)")
	return cmd
}

func newBrowseCmd(app func() *App) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Search interactively and page through results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, err := namespaceFlag(namespace)
			if err != nil {
				return err
			}
			m := tui.New(cmd.Context(), app().Search, ns)
			_, err = tea.NewProgram(m, tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace prefix to search")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ragindex/internal/domain"
	"ragindex/internal/service"
	"ragindex/internal/summarizer"
)

func newIngestCmd(app func() *App) *cobra.Command {
	var (
		flat        bool
		force       bool
		namespace   string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Split, embed and store documents",
		Long: `Ingests each file (globs are expanded). A file whose content was ingested
before is reported as already present unless --force replaces it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := namespaceFlag(namespace)
			if err != nil {
				return err
			}
			a := app()
			var errs []error
			for _, path := range expandPaths(args) {
				data, err := os.ReadFile(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				res, err := a.Ingestion.Ingest(cmd.Context(), service.IngestRequest{
					Filename:     filepath.Base(path),
					ContentType:  contentType,
					Data:         data,
					Hierarchical: a.Config.Chunker.Hierarchical && !flat,
					Force:        force,
					Namespace:    ns,
				})
				if err != nil {
					cmd.PrintErrf("%-16s %s: %v\n", "failed", path, err)
					errs = append(errs, fmt.Errorf("ingest %s: %w", path, err))
					continue
				}
				state := string(res.State)
				if res.Updated {
					state = "updated"
				}
				cmd.Printf("%-16s %s  %s  (%d chunks)\n", state, res.Document.ID, path, res.Document.ChunkCount)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&flat, "flat", false, "ignore markdown headers when splitting")
	cmd.Flags().BoolVar(&force, "force", false, "replace documents that were already ingested")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace to store the documents in")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of every file (default: from the extension)")
	return cmd
}

// expandPaths expands globs and keeps arguments that match nothing as is.
func expandPaths(args []string) []string {
	var out []string
	for _, p := range args {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		out = append(out, matches...)
	}
	return out
}

func newListCmd(app func() *App) *cobra.Command {
	var (
		opts      domain.ListOptions
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ingested documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, err := namespaceFlag(namespace)
			if err != nil {
				return err
			}
			docs, total, err := app().Ingestion.List(cmd.Context(), ns, opts)
			if err != nil {
				return err
			}
			if total == 0 {
				cmd.Println("No documents.")
				return nil
			}
			for _, d := range docs {
				cmd.Printf("%s  %s  %4d chunks  %s\n", d.ID, d.CreatedAt.Local().Format(time.DateTime), d.ChunkCount, d.Filename)
			}
			cmd.Printf("\n%d-%d of %d\n", min(opts.Skip+1, total), opts.Skip+len(docs), total)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "documents to skip")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "documents to show (default 20, max 100)")
	cmd.Flags().StringVar(&opts.Search, "search", "", "only documents whose filename contains this text")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace to list")
	return cmd
}

func newShowCmd(app func() *App) *cobra.Command {
	var (
		namespace string
		chunks    bool
		summary   int
	)
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := namespaceFlag(namespace)
			if err != nil {
				return err
			}
			detail, err := app().Ingestion.Document(cmd.Context(), ns, args[0])
			if err != nil {
				return err
			}
			d := detail.Document
			cmd.Printf("ID:           %s\n", d.ID)
			cmd.Printf("Filename:     %s\n", d.Filename)
			cmd.Printf("Namespace:    %s\n", d.Namespace)
			cmd.Printf("Content type: %s\n", d.ContentType)
			cmd.Printf("Hierarchical: %t\n", d.Hierarchical)
			cmd.Printf("Created:      %s\n", d.CreatedAt.Local().Format(time.DateTime))
			cmd.Printf("Chunks:       %d\n", d.ChunkCount)
			if summary > 0 {
				if text := summarizer.NewFrequency().SummarizeChunks(detail.Chunks, summary); text != "" {
					cmd.Printf("\nSummary:\n%s\n", text)
				}
			}
			if !chunks {
				return nil
			}
			for _, c := range detail.Chunks {
				cmd.Println()
				header := fmt.Sprintf("[%d] %s", c.Index, c.ID)
				if c.SectionPath != "" {
					header += "  " + c.SectionPath
				}
				cmd.Println(header)
				cmd.Println(strings.TrimSpace(c.Content))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace of the document")
	cmd.Flags().BoolVar(&chunks, "chunks", false, "print every chunk")
	cmd.Flags().IntVar(&summary, "summary", 0, "print an extractive summary of this many sentences")
	return cmd
}

func newDeleteCmd(app func() *App) *cobra.Command {
	var (
		namespace  string
		idempotent bool
	)
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := namespaceFlag(namespace)
			if err != nil {
				return err
			}
			if err := app().Ingestion.Delete(cmd.Context(), ns, args[0], idempotent); err != nil {
				return err
			}
			cmd.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace of the document")
	cmd.Flags().BoolVar(&idempotent, "idempotent", false, "succeed when the document does not exist")
	return cmd
}

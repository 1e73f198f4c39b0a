package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
	"ragindex/internal/identity"
)

const guide = "# Intro\nRockets burn fuel to reach orbit.\n## Details\nStages drop away once their tanks are empty.\n"

type env struct {
	dir    string
	config string
	file   string
}

func newEnv(t *testing.T, extra string) env {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`embedder:
  type: hashing
  dimension: 64
chunker:
  chunk_size: 200
vector_store:
  type: sqlite
  sqlite:
    path: %s
%s`, filepath.Join(dir, "rag.db"), extra)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	file := filepath.Join(dir, "guide.md")
	require.NoError(t, os.WriteFile(file, []byte(guide), 0o644))
	return env{dir: dir, config: cfgPath, file: file}
}

func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := New()
	var out, errOut bytes.Buffer
	c.Root().SetOut(&out)
	c.Root().SetErr(&errOut)
	c.Root().SetArgs(append([]string{"--config", e.config, "--log-level", "disabled"}, args...))
	err := c.Execute(t.Context())
	return out.String(), err
}

func guideID(t *testing.T) string {
	t.Helper()
	id, err := identity.Identify([]byte(guide), "guide.md")
	require.NoError(t, err)
	return id
}

func TestIngestCmd(t *testing.T) {
	t.Run("Should ingest once and report duplicates", func(t *testing.T) {
		e := newEnv(t, "")
		out, err := e.run(t, "ingest", e.file)
		require.NoError(t, err)
		assert.Contains(t, out, "done")
		assert.Contains(t, out, guideID(t))
		assert.Contains(t, out, "(2 chunks)")

		out, err = e.run(t, "ingest", e.file)
		require.NoError(t, err)
		assert.Contains(t, out, "already_present")

		out, err = e.run(t, "ingest", "--force", "--flat", e.file)
		require.NoError(t, err)
		assert.Contains(t, out, "updated")
		assert.Contains(t, out, "(1 chunks)")
	})
	t.Run("Should expand globs", func(t *testing.T) {
		e := newEnv(t, "")
		require.NoError(t, os.WriteFile(filepath.Join(e.dir, "other.md"), []byte("# Other\nSomething else."), 0o644))
		out, err := e.run(t, "ingest", filepath.Join(e.dir, "*.md"))
		require.NoError(t, err)
		assert.Contains(t, out, "guide.md")
		assert.Contains(t, out, "other.md")
	})
	t.Run("Should fail for unsupported files but ingest the rest", func(t *testing.T) {
		e := newEnv(t, "")
		bin := filepath.Join(e.dir, "image.png")
		require.NoError(t, os.WriteFile(bin, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...), 0o644))
		out, err := e.run(t, "ingest", bin, e.file)
		require.ErrorIs(t, err, domain.ErrUnsupportedFormat)
		assert.Contains(t, out, "done")
	})
	t.Run("Should require a file", func(t *testing.T) {
		e := newEnv(t, "")
		_, err := e.run(t, "ingest")
		assert.Error(t, err)
	})
}

func TestDocumentCmds(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "ingest", e.file)
	require.NoError(t, err)
	id := guideID(t)

	t.Run("Should list documents", func(t *testing.T) {
		out, err := e.run(t, "list")
		require.NoError(t, err)
		assert.Contains(t, out, id)
		assert.Contains(t, out, "guide.md")
		assert.Contains(t, out, "1-1 of 1")
	})
	t.Run("Should filter the listing by filename", func(t *testing.T) {
		out, err := e.run(t, "list", "--search", "nothing-like-this")
		require.NoError(t, err)
		assert.Contains(t, out, "No documents.")
	})
	t.Run("Should show a document with its chunks", func(t *testing.T) {
		out, err := e.run(t, "show", id, "--chunks")
		require.NoError(t, err)
		assert.Contains(t, out, "Hierarchical: true")
		assert.Contains(t, out, "[0] ")
		assert.Contains(t, out, "Intro > Details")
	})
	t.Run("Should print a summary of the requested length", func(t *testing.T) {
		out, err := e.run(t, "show", id, "--summary", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "Summary:")
		a := strings.Contains(out, "Rockets burn fuel to reach orbit.")
		b := strings.Contains(out, "Stages drop away once their tanks are empty.")
		assert.True(t, a != b, "exactly one sentence expected:\n%s", out)
		assert.NotContains(t, out, "# Intro")
	})
	t.Run("Should list namespaces", func(t *testing.T) {
		out, err := e.run(t, "namespaces")
		require.NoError(t, err)
		assert.Equal(t, "rag/documents\n", out)
	})
	t.Run("Should delete and then report not found", func(t *testing.T) {
		out, err := e.run(t, "delete", id)
		require.NoError(t, err)
		assert.Contains(t, out, "Deleted "+id)

		_, err = e.run(t, "delete", id)
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = e.run(t, "delete", "--idempotent", id)
		assert.NoError(t, err)
		_, err = e.run(t, "show", id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSearchCmd(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "ingest", e.file)
	require.NoError(t, err)

	t.Run("Should print ranked results", func(t *testing.T) {
		out, err := e.run(t, "search", "rockets reach orbit")
		require.NoError(t, err)
		assert.Contains(t, out, "[1] guide.md")
		assert.Contains(t, out, "1-2 of 2")
	})
	t.Run("Should output a page as JSON", func(t *testing.T) {
		out, err := e.run(t, "search", "--json", "-n", "1", "--offset", "1", "rockets")
		require.NoError(t, err)
		var page jsonPage
		require.NoError(t, json.Unmarshal([]byte(out), &page))
		assert.Equal(t, 2, page.Total)
		assert.Equal(t, 1, page.Offset)
		require.Len(t, page.Results, 1)
		assert.Equal(t, "guide.md", page.Results[0].Filename)
	})
	t.Run("Should filter by document", func(t *testing.T) {
		out, err := e.run(t, "search", "--document", "unknown", "rockets")
		require.NoError(t, err)
		assert.Contains(t, out, "No results found (0 matches in total).")
	})
	t.Run("Should filter by section path", func(t *testing.T) {
		out, err := e.run(t, "search", "--section", "Intro > Details", "rockets")
		require.NoError(t, err)
		assert.Contains(t, out, "Section: Intro > Details")
		assert.Contains(t, out, "1-1 of 1")

		out, err = e.run(t, "search", "--section", "Intro >", "rockets")
		require.NoError(t, err)
		assert.Contains(t, out, "No results found (0 matches in total).")
	})
	t.Run("Should filter by header level", func(t *testing.T) {
		out, err := e.run(t, "search", "--json", "--header", "1=Intro", "rockets")
		require.NoError(t, err)
		var page jsonPage
		require.NoError(t, json.Unmarshal([]byte(out), &page))
		assert.Equal(t, 2, page.Total)

		out, err = e.run(t, "search", "--json", "--header", "1=Intro", "--header", "2=Details", "rockets")
		require.NoError(t, err)
		page = jsonPage{}
		require.NoError(t, json.Unmarshal([]byte(out), &page))
		assert.Equal(t, 1, page.Total)
		require.Len(t, page.Results, 1)
		assert.Equal(t, []string{"Intro", "Details"}, page.Results[0].Headers)
	})
	t.Run("Should reject malformed header filters", func(t *testing.T) {
		for _, raw := range []string{"Intro", "0=Intro", "7=Intro", "x=Intro", "2="} {
			_, err := e.run(t, "search", "--header", raw, "rockets")
			assert.ErrorIs(t, err, domain.ErrInvalidInput, raw)
		}
	})
	t.Run("Should reject a negative offset", func(t *testing.T) {
		_, err := e.run(t, "search", "--offset=-1", "rockets")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
	t.Run("Should require exactly one query", func(t *testing.T) {
		_, err := e.run(t, "search")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "accepts 1 arg(s)")
	})
}

func TestRootCmd(t *testing.T) {
	t.Run("Should write metrics on exit", func(t *testing.T) {
		e := newEnv(t, "")
		metricsPath := filepath.Join(e.dir, "rag.prom")
		_, err := e.run(t, "--metrics-out", metricsPath, "ingest", e.file)
		require.NoError(t, err)
		data, err := os.ReadFile(metricsPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), `ragindex_ingestions_total{state="done"} 1`)
		assert.Contains(t, string(data), "ragindex_chunks_stored_total 2")
	})
	t.Run("Should reject an invalid config", func(t *testing.T) {
		e := newEnv(t, "ingest:\n  max_concurrency: 0\n")
		_, err := e.run(t, "list")
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})
	t.Run("Should reject a store opened with another dimension", func(t *testing.T) {
		e := newEnv(t, "")
		_, err := e.run(t, "list")
		require.NoError(t, err)
		cfg, err := os.ReadFile(e.config)
		require.NoError(t, err)
		changed := bytes.Replace(cfg, []byte("dimension: 64"), []byte("dimension: 32"), 1)
		require.NoError(t, os.WriteFile(e.config, changed, 0o644))
		_, err = e.run(t, "list")
		assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	})
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ragindex/internal/domain"
)

// Embedder types.
const (
	EmbedderOpenAI  = "openai"
	EmbedderOllama  = "ollama"
	EmbedderHashing = "hashing"
)

// Vector store types.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type              string  `yaml:"type"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	APIKeyEnv         string  `yaml:"api_key_env,omitempty"`
	Model             string  `yaml:"model,omitempty"`
	Dimension         int     `yaml:"dimension"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	Strategy       string  `yaml:"strategy"`
	ChunkSize      int     `yaml:"chunk_size"`
	OverlapRatio   float64 `yaml:"overlap_ratio"`
	Hierarchical   bool    `yaml:"hierarchical"`
	MaxHeaderLevel int     `yaml:"max_header_level"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type        string          `yaml:"type"`
	TimeoutSecs int             `yaml:"timeout_secs"`
	SQLite      *SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres    *PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig locates the database file of the sqlite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains connection details for the pgvector store.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
	EnsureIndex bool   `yaml:"ensure_index"`
	MaxConns    int32  `yaml:"max_conns"`
}

// RetryConfig bounds retries of retryable embedding failures.
type RetryConfig struct {
	Attempts      int `yaml:"attempts"`
	BackoffMillis int `yaml:"backoff_millis"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	Namespace       string      `yaml:"namespace"`
	MaxConcurrency  int         `yaml:"max_concurrency"`
	CallTimeoutSecs int         `yaml:"call_timeout_secs"`
	AllowPartial    bool        `yaml:"allow_partial"`
	Retry           RetryConfig `yaml:"retry"`
}

// SearchConfig configures query handling.
type SearchConfig struct {
	DefaultLimit   int `yaml:"default_limit"`
	MaxLimit       int `yaml:"max_limit"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Search      SearchConfig      `yaml:"search"`
	Log         LogConfig         `yaml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrInvalidConfig, path, err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/rag/config.yaml.
// If neither exists, it writes defaults to ~/.config/rag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rag", "config.yaml"), nil
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	cfg := &AppConfig{
		Embedder: EmbedderConfig{Type: EmbedderHashing, Dimension: 1024, TimeoutSecs: 30},
		Chunker: ChunkerConfig{
			Strategy:       "window",
			ChunkSize:      1000,
			OverlapRatio:   0.1,
			Hierarchical:   true,
			MaxHeaderLevel: domain.MaxHeaderLevels,
		},
		VectorStore: VectorStoreConfig{Type: StoreSQLite, TimeoutSecs: 30},
		Ingest: IngestConfig{
			Namespace:       string(domain.DefaultNamespace),
			MaxConcurrency:  8,
			CallTimeoutSecs: 60,
			Retry:           RetryConfig{Attempts: 3, BackoffMillis: 200},
		},
		Search: SearchConfig{DefaultLimit: 5, MaxLimit: 100, QueryCacheSize: 256},
		Log:    LogConfig{Level: "info"},
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = EmbedderHashing
	}
	if cfg.Chunker.Strategy == "" {
		cfg.Chunker.Strategy = "window"
	}
	if cfg.Embedder.Type == EmbedderOpenAI && cfg.Embedder.APIKeyEnv == "" {
		cfg.Embedder.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = StoreSQLite
	}
	if cfg.VectorStore.Type == StorePostgres && cfg.VectorStore.Postgres != nil {
		if cfg.VectorStore.Postgres.TablePrefix == "" {
			cfg.VectorStore.Postgres.TablePrefix = "rag_"
		}
	}
	if cfg.Ingest.Namespace == "" {
		cfg.Ingest.Namespace = string(domain.DefaultNamespace)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// ApplyEnv overlays RAG_* environment variables onto cfg.
func (cfg *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", domain.ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}

	str("RAG_EMBEDDER", &cfg.Embedder.Type)
	str("RAG_EMBEDDER_URL", &cfg.Embedder.BaseURL)
	str("RAG_EMBEDDER_MODEL", &cfg.Embedder.Model)
	str("RAG_STORE", &cfg.VectorStore.Type)
	str("RAG_NAMESPACE", &cfg.Ingest.Namespace)
	str("RAG_LOG_LEVEL", &cfg.Log.Level)
	if v, ok := lookup("RAG_DATABASE_URL"); ok && v != "" {
		if cfg.VectorStore.Postgres == nil {
			cfg.VectorStore.Postgres = &PostgresConfig{TablePrefix: "rag_"}
		}
		cfg.VectorStore.Postgres.DSN = v
	}
	if v, ok := lookup("RAG_SQLITE_PATH"); ok && v != "" {
		cfg.VectorStore.SQLite = &SQLiteConfig{Path: v}
	}
	for key, dst := range map[string]*int{
		"RAG_EMBEDDING_DIMENSION": &cfg.Embedder.Dimension,
		"RAG_CHUNK_SIZE":          &cfg.Chunker.ChunkSize,
		"RAG_SEARCH_LIMIT":        &cfg.Search.DefaultLimit,
		"RAG_MAX_CONCURRENCY":     &cfg.Ingest.MaxConcurrency,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup("RAG_CHUNK_OVERLAP"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RAG_CHUNK_OVERLAP=%q is not a number", domain.ErrInvalidConfig, v)
		}
		cfg.Chunker.OverlapRatio = f
	}
	if v, ok := lookup("RAG_ALLOW_PARTIAL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RAG_ALLOW_PARTIAL=%q is not a boolean", domain.ErrInvalidConfig, v)
		}
		cfg.Ingest.AllowPartial = b
	}
	return nil
}

// Validate reports every inconsistent setting. Values are never clamped.
func (cfg *AppConfig) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidConfig}, args...)...))
	}

	switch cfg.Embedder.Type {
	case EmbedderOpenAI, EmbedderOllama, EmbedderHashing:
	default:
		bad("unknown embedder type %q", cfg.Embedder.Type)
	}
	if cfg.Embedder.Dimension <= 0 {
		bad("embedder.dimension must be positive, got %d", cfg.Embedder.Dimension)
	}
	if cfg.Embedder.TimeoutSecs < 0 {
		bad("embedder.timeout_secs must not be negative")
	}

	if cfg.Chunker.ChunkSize <= 0 {
		bad("chunker.chunk_size must be positive, got %d", cfg.Chunker.ChunkSize)
	}
	if cfg.Chunker.OverlapRatio < 0 || cfg.Chunker.OverlapRatio >= 1 {
		bad("chunker.overlap_ratio must be in [0, 1), got %g", cfg.Chunker.OverlapRatio)
	}
	if cfg.Chunker.MaxHeaderLevel < 1 || cfg.Chunker.MaxHeaderLevel > domain.MaxHeaderLevels {
		bad("chunker.max_header_level must be in 1..%d, got %d", domain.MaxHeaderLevels, cfg.Chunker.MaxHeaderLevel)
	}

	switch cfg.VectorStore.Type {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.VectorStore.Postgres == nil || strings.TrimSpace(cfg.VectorStore.Postgres.DSN) == "" {
			bad("vector_store.postgres.dsn is required for the postgres store")
		}
	default:
		bad("unknown vector store type %q", cfg.VectorStore.Type)
	}

	if _, err := domain.ParseNamespace(cfg.Ingest.Namespace); err != nil {
		bad("ingest.namespace: %v", err)
	}
	if cfg.Ingest.MaxConcurrency <= 0 {
		bad("ingest.max_concurrency must be positive, got %d", cfg.Ingest.MaxConcurrency)
	}
	if cfg.Ingest.Retry.Attempts < 0 || cfg.Ingest.Retry.BackoffMillis < 0 {
		bad("ingest.retry values must not be negative")
	}

	if cfg.Search.MaxLimit <= 0 {
		bad("search.max_limit must be positive, got %d", cfg.Search.MaxLimit)
	}
	if cfg.Search.DefaultLimit <= 0 || cfg.Search.DefaultLimit > cfg.Search.MaxLimit {
		bad("search.default_limit must be in 1..%d, got %d", cfg.Search.MaxLimit, cfg.Search.DefaultLimit)
	}
	if cfg.Search.QueryCacheSize < 0 {
		bad("search.query_cache_size must not be negative")
	}
	return errors.Join(errs...)
}

// CallTimeout is the per-call embedding deadline.
func (c IngestConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// Backoff is the base delay between embedding retries.
func (c RetryConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMillis) * time.Millisecond
}

// Timeout bounds a single store call. Zero disables the deadline.
func (c VectorStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

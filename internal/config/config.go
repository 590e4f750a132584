package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration. It is built once at process start
// and passed into constructors; nothing reads the environment after Load.
type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Index     IndexConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

// ServerConfig configures the HTTP listener. An empty APIToken leaves
// the API open; when set, every route except /health requires it as a
// bearer token.
type ServerConfig struct {
	Port     int
	APIToken string
}

// LLMConfig configures the hosted language model used for answer synthesis.
// An empty APIKey selects the deterministic templated fallback.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// EmbeddingConfig selects the embedding backend. When the LLM API key is
// present the hosted backend is used with Model; otherwise the local
// deterministic backend with LocalDim dimensions.
type EmbeddingConfig struct {
	Model    string
	LocalDim int
}

type IndexConfig struct {
	URL        string // empty selects the SQLite fallback index
	APIKey     string
	Collection string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK          int
	RerankEnabled bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8000},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			Model:    "text-embedding-3-small",
			LocalDim: 384,
		},
		Index: IndexConfig{
			Collection: "docs",
		},
		Storage: StorageConfig{DataDir: "./data"},
		Retrieval: RetrievalConfig{
			TopK: 4,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config from environment variables over defaults.
func Load() (Config, error) {
	cfg := defaults()

	cfg.Server.APIToken = os.Getenv("API_TOKEN")
	cfg.LLM.APIKey = os.Getenv("API_KEY_FOR_LLM")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.Embedding.Model, "EMBED_MODEL")
	cfg.Index.URL = strings.TrimRight(os.Getenv("VECTOR_INDEX_URL"), "/")
	cfg.Index.APIKey = os.Getenv("VECTOR_INDEX_API_KEY")
	setString(&cfg.Index.Collection, "COLLECTION_NAME")
	setString(&cfg.Storage.DataDir, "DATABASE_PATH")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	if err := setInt(&cfg.Server.Port, "PORT"); err != nil {
		return Config{}, err
	}
	if err := setInt(&cfg.Retrieval.TopK, "TOP_K"); err != nil {
		return Config{}, err
	}
	if err := setBool(&cfg.Retrieval.RerankEnabled, "RERANK_ENABLED"); err != nil {
		return Config{}, err
	}

	if cfg.Retrieval.TopK <= 0 {
		return Config{}, fmt.Errorf("TOP_K must be positive, got %d", cfg.Retrieval.TopK)
	}
	return cfg, nil
}

// HostedLLM reports whether a hosted model credential is configured.
// It gates both hosted embedding and hosted answer generation.
func (c Config) HostedLLM() bool {
	return c.LLM.APIKey != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = b
	return nil
}

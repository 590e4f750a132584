package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Index.Collection != "docs" {
		t.Errorf("Collection = %q, want %q", cfg.Index.Collection, "docs")
	}
	if cfg.Retrieval.TopK != 4 {
		t.Errorf("TopK = %d, want 4", cfg.Retrieval.TopK)
	}
	if cfg.HostedLLM() {
		t.Error("HostedLLM() = true without API_KEY_FOR_LLM")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY_FOR_LLM", "sk-test")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("VECTOR_INDEX_URL", "http://localhost:6333/")
	t.Setenv("COLLECTION_NAME", "papers")
	t.Setenv("TOP_K", "7")
	t.Setenv("RERANK_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.HostedLLM() {
		t.Error("HostedLLM() = false with API_KEY_FOR_LLM set")
	}
	if cfg.Index.URL != "http://localhost:6333" {
		t.Errorf("Index.URL = %q, want trailing slash trimmed", cfg.Index.URL)
	}
	if cfg.Index.Collection != "papers" {
		t.Errorf("Collection = %q, want %q", cfg.Index.Collection, "papers")
	}
	if cfg.Retrieval.TopK != 7 || !cfg.Retrieval.RerankEnabled {
		t.Errorf("Retrieval = %+v, want TopK 7 rerank on", cfg.Retrieval)
	}
	if cfg.Server.APIToken != "secret" {
		t.Errorf("APIToken = %q, want env value", cfg.Server.APIToken)
	}
}

func TestInvalidValues(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted invalid PORT")
	}
	t.Setenv("PORT", "8000")
	t.Setenv("TOP_K", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted TOP_K=0")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadRetrievalDefaults(t *testing.T) {
	clearEnv(t, "CONFIG_FILE", "RAG_TOP_K", "RAG_MAX_TOP_K", "RAG_HYBRID_CANDIDATES", "RAG_FUSION_RRF_K",
		"RAG_RERANK_TOP_N", "RETRIEVAL_TIMEOUT_MS", "INDEX_BACKEND", "EMBED_PROVIDER", "EMBED_DIMENSIONS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RAGTopK != 5 || cfg.RAGMaxTopK != 50 {
		t.Fatalf("unexpected top k defaults %d/%d", cfg.RAGTopK, cfg.RAGMaxTopK)
	}
	if cfg.RAGHybridCandidates != 30 || cfg.RAGFusionRRFK != 60 || cfg.RAGRerankTopN != 20 {
		t.Fatalf("unexpected hybrid defaults %+v", cfg)
	}
	if cfg.RetrievalTimeout != 10*time.Second {
		t.Fatalf("expected 10s retrieval timeout, got %s", cfg.RetrievalTimeout)
	}
	if cfg.IndexBackend != "postgres" || cfg.EmbedProvider != "ollama" {
		t.Fatalf("unexpected backends %q/%q", cfg.IndexBackend, cfg.EmbedProvider)
	}
	if cfg.SyncSubject != "retrieval.sync" || cfg.SyncSchedule != "@every 5m" {
		t.Fatalf("unexpected sync defaults %q/%q", cfg.SyncSubject, cfg.SyncSchedule)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	clearEnv(t, "CONFIG_FILE")
	t.Setenv("RAG_HYBRID_CANDIDATES", "40")
	t.Setenv("RAG_FUSION_RRF_K", "75")
	t.Setenv("RETRIEVAL_TIMEOUT_MS", "1500")
	t.Setenv("INDEX_BACKEND", "Qdrant")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("RESILIENCE_BREAKER_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RAGHybridCandidates != 40 || cfg.RAGFusionRRFK != 75 {
		t.Fatalf("expected overrides, got %d/%d", cfg.RAGHybridCandidates, cfg.RAGFusionRRFK)
	}
	if cfg.RetrievalTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected timeout %s", cfg.RetrievalTimeout)
	}
	if cfg.IndexBackend != "qdrant" || cfg.APIRateLimitRPS != 2.5 || cfg.Resilience.BreakerEnabled {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"RAG_TOP_K":                  "five",
		"RETRIEVAL_TIMEOUT_MS":       "-3",
		"API_RATE_LIMIT_RPS":         "fast",
		"RESILIENCE_BREAKER_ENABLED": "sometimes",
		"SYNC_SETTLE_WINDOW_MS":      "2s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t, "CONFIG_FILE")
			t.Setenv(key, value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected %s=%q to fail the load", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error to name %s, got %v", key, err)
			}
		})
	}
}

func TestLoadRejectsMalformedFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrieval.yaml")
	if err := os.WriteFile(path, []byte("EMBED_BATCH_SIZE: lots\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	clearEnv(t, "EMBED_BATCH_SIZE")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "EMBED_BATCH_SIZE") {
		t.Fatalf("expected file value to fail the load, got %v", err)
	}
}

func TestLoadSettleWindow(t *testing.T) {
	clearEnv(t, "CONFIG_FILE", "SYNC_SETTLE_WINDOW_MS")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SyncSettleWindow != 2*time.Second {
		t.Fatalf("expected 2s settle default, got %s", cfg.SyncSettleWindow)
	}

	t.Setenv("SYNC_SETTLE_WINDOW_MS", "0")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SyncSettleWindow != 0 {
		t.Fatalf("expected settle window to be disabled, got %s", cfg.SyncSettleWindow)
	}
}

func TestLoadFileFillsUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrieval.yaml")
	data := []byte("RAG_TOP_K: 8\nsync_subject: connectors.done\nEMBED_PROVIDER: openai\nRAG_MAX_TOP_K: 20\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	clearEnv(t, "RAG_TOP_K", "SYNC_SUBJECT", "EMBED_PROVIDER")
	t.Setenv("RAG_MAX_TOP_K", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RAGTopK != 8 || cfg.SyncSubject != "connectors.done" || cfg.EmbedProvider != "openai" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RAGMaxTopK != 30 {
		t.Fatalf("environment must win over file, got %d", cfg.RAGMaxTopK)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	clearEnv(t, "CONFIG_FILE")
	t.Setenv("INDEX_BACKEND", "elastic")
	t.Setenv("EMBED_PROVIDER", "cohere")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadReportsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("RAG_TOP_K: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

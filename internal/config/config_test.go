package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize default: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate default: %v", err)
	}
	if cfg.Sync.Granularity != "word" {
		t.Fatalf("unexpected default granularity %q", cfg.Sync.Granularity)
	}
	if cfg.Sync.MaxSentenceLength != 200 {
		t.Fatalf("unexpected default max sentence length %d", cfg.Sync.MaxSentenceLength)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if cfg.Transcription.Backend != "auto" {
		t.Fatalf("unexpected backend %q", cfg.Transcription.Backend)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[paths]
cache_dir = "` + filepath.Join(dir, "cache") + `"

[sync]
granularity = "SENTENCE"
similarity_threshold = 0.3

[logging]
level = "DEBUG"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.Sync.Granularity != "sentence" {
		t.Fatalf("granularity not lowered: %q", cfg.Sync.Granularity)
	}
	if cfg.Sync.SimilarityThreshold != 0.3 {
		t.Fatalf("similarity threshold not kept: %v", cfg.Sync.SimilarityThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level not normalized: %q", cfg.Logging.Level)
	}
	if !filepath.IsAbs(cfg.Paths.CacheDir) {
		t.Fatalf("cache dir not absolute: %q", cfg.Paths.CacheDir)
	}
}

func TestValidateRejectsBadGranularity(t *testing.T) {
	cfg := Default()
	cfg.Sync.Granularity = "paragraph"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "granularity") {
		t.Fatalf("expected granularity error, got %v", err)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.Transcription.Backend = "deepgram"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestExpandPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := ExpandPath("~/x")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x") {
		t.Fatalf("unexpected expansion: %q", got)
	}
}

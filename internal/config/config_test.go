package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ExperimentOrder(t *testing.T) {
	content := `
server:
  port: 9000
data:
  plate2:
    path: "/data/plate2"
  plate1:
    path: "/data/plate1"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if len(cfg.Data.Experiments) != 2 {
		t.Fatalf("expected 2 experiments, got %d", len(cfg.Data.Experiments))
	}
	if got := cfg.Data.Experiments["plate1"].Path; got != "/data/plate1" {
		t.Errorf("unexpected plate1 path: %s", got)
	}

	// Check order preserved
	ids := cfg.Data.ExperimentIDs()
	if len(ids) != 2 || ids[0] != "plate2" || ids[1] != "plate1" {
		t.Errorf("unexpected experiment order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    path: "/test"
tools:
  max_concurrent: 4
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.TileSizeMB != 512 {
		t.Errorf("expected default cache size 512, got %d", cfg.Cache.TileSizeMB)
	}
	if cfg.Render.TileSize != 256 {
		t.Errorf("expected default tile size 256, got %d", cfg.Render.TileSize)
	}
	if cfg.Tools.MaxConcurrent != 4 || cfg.Tools.RetentionDays != 30 {
		t.Errorf("unexpected tools config %+v", cfg.Tools)
	}
	if cfg.Push.BufferTTL() != 10*time.Minute {
		t.Errorf("expected 10m push buffer ttl, got %v", cfg.Push.BufferTTL())
	}
	if cfg.Client.ReconnectInitialMS != 500 || cfg.Client.ReconnectMaxMS != 30000 || cfg.Client.ReconnectMaxAttempts != 8 {
		t.Errorf("unexpected reconnect policy %+v", cfg.Client)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	ids := cfg.Data.ExperimentIDs()
	if len(ids) != 1 || ids[0] != "default" {
		t.Errorf("expected the default experiment, got %v", ids)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"port out of range", "server:\n  port: 70000\n", "Port"},
		{"experiment without path", "data:\n  a:\n    path: \"\"\n", "Path"},
		{"unknown colormap", "render:\n  default_colormap: rainbow\n", "DefaultColormap"},
		{"backoff cap below start", "client:\n  reconnect_initial_ms: 1000\n  reconnect_max_ms: 10\n", "ReconnectMaxMS"},
		{"data not a mapping", "data:\n  - a\n", "mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 7450\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("models:\n  openai:\n    api_key: ${ENGRAM_TEST_KEY}\n"), 0600)
	os.Setenv("ENGRAM_TEST_KEY", "secret123")
	defer os.Unsetenv("ENGRAM_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Models.OpenAI.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Models.OpenAI.APIKey, "secret123")
	}
}

func TestLoad_DefaultsSurviveUnmarshal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.Extraction.Enabled {
		t.Error("extraction should default to enabled")
	}
	if cfg.Extraction.Variant != "tagged" {
		t.Errorf("variant = %q, want %q", cfg.Extraction.Variant, "tagged")
	}
	if cfg.Listen.Port != 7450 {
		t.Errorf("port = %d, want 7450", cfg.Listen.Port)
	}
}

func TestLoad_ExplicitDisableWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("extraction:\n  enabled: false\n  variant: plain\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Extraction.Enabled {
		t.Error("extraction.enabled: false should override the default")
	}
	if cfg.Extraction.Variant != "plain" {
		t.Errorf("variant = %q, want %q", cfg.Extraction.Variant, "plain")
	}
}

func TestLoad_RejectsBadVariant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("extraction:\n  variant: fancy\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject unknown extraction.variant")
	}
}

func TestValidate_RejectsBadLogFormat(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject log_format xml")
	}
}

func TestResolveHome_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("ENGRAM_HOME", dir)
	defer os.Unsetenv("ENGRAM_HOME")

	cfg := Default()
	cfg.Home = "/somewhere/else"
	if got := cfg.ResolveHome(); got != dir {
		t.Errorf("ResolveHome = %q, want %q", got, dir)
	}
}

func TestResolveHome_ConfigField(t *testing.T) {
	os.Unsetenv("ENGRAM_HOME")
	cfg := Default()
	cfg.Home = "/var/lib/engram"
	if got := cfg.ResolveHome(); got != "/var/lib/engram" {
		t.Errorf("ResolveHome = %q, want %q", got, "/var/lib/engram")
	}
}

func TestResolveDataDir_DefaultsUnderHome(t *testing.T) {
	os.Unsetenv("ENGRAM_HOME")
	cfg := Default()
	cfg.Home = "/var/lib/engram"
	want := filepath.Join("/var/lib/engram", "data")
	if got := cfg.ResolveDataDir(); got != want {
		t.Errorf("ResolveDataDir = %q, want %q", got, want)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/notes", filepath.Join(home, "notes")},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
	}
	for _, tt := range tests {
		if got := expandTilde(tt.in); got != tt.want {
			t.Errorf("expandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("json format output = %q, want JSON object", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Info("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("text format output = %q, want logfmt", buf.String())
	}
}

func TestNewLogger_RendersTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, LevelTrace, "text").Log(context.Background(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "TRACE") {
		t.Errorf("trace record = %q, want TRACE level name", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"trace", false},
		{"debug", false},
		{"", false},
		{"INFO", false},
		{"warning", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		_, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

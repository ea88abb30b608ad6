// Package config handles Engram configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.engram/config.yaml, ~/.config/engram/config.yaml,
// /etc/engram/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".engram", "config.yaml"),
			filepath.Join(home, ".config", "engram", "config.yaml"),
		)
	}

	paths = append(paths, "/etc/engram/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Engram configuration.
type Config struct {
	// Home is the engram home directory. Holds the global memories file
	// and, unless data_dir overrides it, the journal database. Empty
	// means ~/.engram. The ENGRAM_HOME environment variable takes
	// precedence over both.
	Home       string           `yaml:"home"`
	DataDir    string           `yaml:"data_dir"`
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Extraction ExtractionConfig `yaml:"extraction"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Web        WebConfig        `yaml:"web"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model and provider settings.
type ModelsConfig struct {
	// Default is the model used for extraction unless
	// extraction.model overrides it.
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	OpenAI    OpenAIConfig  `yaml:"openai"`
	Available []ModelConfig `yaml:"available"`
}

// OpenAIConfig defines an OpenAI-compatible chat completions endpoint.
// Any server speaking the /v1/chat/completions SSE protocol works here.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"` // supports ${ENV_VAR} expansion
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, openai
}

// ExtractionConfig controls the durable-memory extraction pipeline.
type ExtractionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Variant selects the prompt policy: "tagged" (default) requires
	// [user]/[tool] provenance prefixes on every captured memory and
	// accepts tool output as input; "plain" captures from user
	// messages only.
	Variant string `yaml:"variant"`
	// Model overrides models.default for extraction calls. Extraction
	// is asynchronous, so a small fast model is usually the right call.
	Model string `yaml:"model"`
	// ScanIntervalSec is how often the background worker polls the
	// journal for pending turns (default 15).
	ScanIntervalSec int `yaml:"scan_interval_sec"`
}

// MQTTConfig defines the optional MQTT presence and notification bridge.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`         // default "engram"
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // default 60
}

// Configured reports whether a broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.Broker != ""
}

// WebConfig controls the embedded dashboard.
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration. Extraction is enabled with
// the tagged variant; everything network-facing is off until configured.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 7450},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		Extraction: ExtractionConfig{
			Enabled:         true,
			Variant:         "tagged",
			ScanIntervalSec: 15,
		},
		MQTT: MQTTConfig{
			TopicPrefix:        "engram",
			PublishIntervalSec: 60,
		},
		Web: WebConfig{Enabled: true},
	}
}

// Validate checks cross-field constraints that YAML decoding can't.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if f := c.LogFormat; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", f)
	}
	switch c.Extraction.Variant {
	case "", "tagged", "plain":
	default:
		return fmt.Errorf("unknown extraction.variant %q (valid: tagged, plain)", c.Extraction.Variant)
	}
	if p := c.Listen.Port; p < 0 || p > 65535 {
		return fmt.Errorf("listen.port %d out of range", p)
	}
	return nil
}

// ResolveHome returns the engram home directory: ENGRAM_HOME if set,
// else the home field, else ~/.engram. Tilde prefixes are expanded.
func (c *Config) ResolveHome() string {
	if env := os.Getenv("ENGRAM_HOME"); env != "" {
		return expandTilde(env)
	}
	if c.Home != "" {
		return expandTilde(c.Home)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

// ResolveDataDir returns the directory for mutable state (journal
// database, instance ID). Defaults to <home>/data.
func (c *Config) ResolveDataDir() string {
	if c.DataDir != "" {
		return expandTilde(c.DataDir)
	}
	return filepath.Join(c.ResolveHome(), "data")
}

// expandTilde replaces a leading ~/ with the user's home directory.
func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

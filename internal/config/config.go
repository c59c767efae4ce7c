// Package config loads the runtime configuration from YAML with
// environment-variable overrides for secrets. Every field has a default
// so a missing or partial file still yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the root configuration document.
type Config struct {
	DataDir string                   `yaml:"data_dir"`
	Logging LoggingConfig            `yaml:"logging"`
	Tenants map[string]*TenantConfig `yaml:"tenants"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// TenantConfig is the per-tenant section.
type TenantConfig struct {
	SystemPrompt string          `yaml:"system_prompt"`
	LLM          LLMConfig       `yaml:"llm"`
	Embedding    EmbeddingConfig `yaml:"embedding"`
	Audit        AuditConfig     `yaml:"audit"`
	Routing      RoutingConfig   `yaml:"routing"`
	Paths        PathsConfig     `yaml:"paths"`
}

// LLMConfig configures the chat-completion provider.
type LLMConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	SupervisorModel string        `yaml:"supervisor_model"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "ollama", "genai", or "" (disabled)
	Model     string `yaml:"model"`
	OllamaURL string `yaml:"ollama_url"`
	APIKey    string `yaml:"api_key"`
	Dims      int    `yaml:"dims"`
}

// AuditConfig configures the content-safety pipeline.
type AuditConfig struct {
	Enabled           bool           `yaml:"enabled"`
	Mode              string         `yaml:"mode"` // "local", "remote", "dual"
	Servers           []string       `yaml:"servers"`
	GuideStrength     float64        `yaml:"guide_strength"`
	MaxRegenerations  int            `yaml:"max_regenerations"`
	MaxQuestionMarks  int            `yaml:"max_question_marks"`
	RemoteTimeout     time.Duration  `yaml:"remote_timeout"`
	HandoffMessage    string         `yaml:"handoff_message"`
	KBFallbackMessage string         `yaml:"kb_fallback_message"`
	Schedule          ScheduleConfig `yaml:"schedule"`
}

// ScheduleConfig is an optional active window for auditing. Outside the
// window the pipeline behaves as if auditing were disabled.
type ScheduleConfig struct {
	Start string `yaml:"start"` // RFC3339; empty = always active
	End   string `yaml:"end"`
}

// RoutingConfig holds the tenant routing defaults.
type RoutingConfig struct {
	DefaultModel       string  `yaml:"default_model"`
	DefaultTemperature float64 `yaml:"default_temperature"`
	BindingProfile     string  `yaml:"binding_profile"`
	KBTopN             int     `yaml:"kb_top_n"`
}

// PathsConfig holds tenant file locations.
type PathsConfig struct {
	Keywords     string `yaml:"keywords"`
	FallbackFile string `yaml:"fallback_file"`
	QAFile       string `yaml:"qa_file"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// DefaultConfig returns a configuration with sane defaults and one tenant.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".convoguard",
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
		Tenants: map[string]*TenantConfig{
			"default": DefaultTenant(),
		},
	}
}

// DefaultTenant returns the per-tenant defaults.
func DefaultTenant() *TenantConfig {
	return &TenantConfig{
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Embedding: EmbeddingConfig{
			Provider:  "",
			Model:     "nomic-embed-text",
			OllamaURL: "http://localhost:11434",
			Dims:      768,
		},
		Audit: AuditConfig{
			Enabled:           true,
			Mode:              "local",
			GuideStrength:     0.5,
			MaxRegenerations:  0,
			MaxQuestionMarks:  1,
			RemoteTimeout:     3 * time.Second,
			HandoffMessage:    "已为您转接人工客服，请稍候。",
			KBFallbackMessage: "这个问题我需要补充一些资料后再答复您，请稍等。",
		},
		Routing: RoutingConfig{
			DefaultModel:       "gpt-4o-mini",
			DefaultTemperature: 0.7,
			BindingProfile:     "default",
			KBTopN:             3,
		},
		Paths: PathsConfig{},
	}
}

// Load reads the YAML file at path, layers it over the defaults, and applies
// environment overrides. A missing file yields the defaults without error;
// a malformed file is an error the caller may choose to degrade on.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Re-apply per-tenant defaults for sections the file left empty.
	for name, t := range cfg.Tenants {
		if t == nil {
			cfg.Tenants[name] = DefaultTenant()
			continue
		}
		fillTenantDefaults(t)
	}
	if len(cfg.Tenants) == 0 {
		cfg.Tenants = map[string]*TenantConfig{"default": DefaultTenant()}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".convoguard"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func fillTenantDefaults(t *TenantConfig) {
	d := DefaultTenant()
	if t.LLM.BaseURL == "" {
		t.LLM.BaseURL = d.LLM.BaseURL
	}
	if t.LLM.Model == "" {
		t.LLM.Model = d.LLM.Model
	}
	if t.LLM.Timeout == 0 {
		t.LLM.Timeout = d.LLM.Timeout
	}
	if t.LLM.MaxRetries == 0 {
		t.LLM.MaxRetries = d.LLM.MaxRetries
	}
	if t.Embedding.Model == "" {
		t.Embedding.Model = d.Embedding.Model
	}
	if t.Embedding.OllamaURL == "" {
		t.Embedding.OllamaURL = d.Embedding.OllamaURL
	}
	if t.Embedding.Dims == 0 {
		t.Embedding.Dims = d.Embedding.Dims
	}
	if t.Audit.Mode == "" {
		t.Audit.Mode = d.Audit.Mode
	}
	if t.Audit.GuideStrength == 0 {
		t.Audit.GuideStrength = d.Audit.GuideStrength
	}
	if t.Audit.MaxQuestionMarks == 0 {
		t.Audit.MaxQuestionMarks = d.Audit.MaxQuestionMarks
	}
	if t.Audit.RemoteTimeout == 0 {
		t.Audit.RemoteTimeout = d.Audit.RemoteTimeout
	}
	if t.Audit.HandoffMessage == "" {
		t.Audit.HandoffMessage = d.Audit.HandoffMessage
	}
	if t.Audit.KBFallbackMessage == "" {
		t.Audit.KBFallbackMessage = d.Audit.KBFallbackMessage
	}
	if t.Routing.DefaultModel == "" {
		t.Routing.DefaultModel = d.Routing.DefaultModel
	}
	if t.Routing.DefaultTemperature == 0 {
		t.Routing.DefaultTemperature = d.Routing.DefaultTemperature
	}
	if t.Routing.BindingProfile == "" {
		t.Routing.BindingProfile = d.Routing.BindingProfile
	}
	if t.Routing.KBTopN == 0 {
		t.Routing.KBTopN = d.Routing.KBTopN
	}
}

// applyEnvOverrides injects secrets from the environment so keys never need
// to live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	llmKey := os.Getenv("CONVOGUARD_LLM_API_KEY")
	embKey := os.Getenv("CONVOGUARD_EMBEDDING_API_KEY")
	for _, t := range cfg.Tenants {
		if t == nil {
			continue
		}
		if llmKey != "" && t.LLM.APIKey == "" {
			t.LLM.APIKey = llmKey
		}
		if embKey != "" && t.Embedding.APIKey == "" {
			t.Embedding.APIKey = embKey
		}
	}
	if dir := os.Getenv("CONVOGUARD_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
}

// Tenant returns the named tenant config, falling back to "default" and
// finally to the built-in defaults. Never returns nil.
func (c *Config) Tenant(name string) *TenantConfig {
	if t, ok := c.Tenants[name]; ok && t != nil {
		return t
	}
	if t, ok := c.Tenants["default"]; ok && t != nil {
		return t
	}
	return DefaultTenant()
}

// DatabasePath returns the SQLite file location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "convoguard.db")
}

// ScheduleActive reports whether the audit schedule window covers now.
// An empty or unparsable bound never deactivates auditing.
func (s ScheduleConfig) ScheduleActive(now time.Time) bool {
	if s.Start != "" {
		if start, err := time.Parse(time.RFC3339, s.Start); err == nil && now.Before(start) {
			return false
		}
	}
	if s.End != "" {
		if end, err := time.Parse(time.RFC3339, s.End); err == nil && now.After(end) {
			return false
		}
	}
	return true
}

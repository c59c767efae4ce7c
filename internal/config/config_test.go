package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convoguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != ".convoguard" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	tenant := cfg.Tenant("default")
	if tenant.LLM.Model != "gpt-4o-mini" {
		t.Errorf("Default model = %q", tenant.LLM.Model)
	}
	if !tenant.Audit.Enabled {
		t.Error("Auditing should default to enabled")
	}
	if tenant.Audit.MaxRegenerations != 0 {
		t.Errorf("MaxRegenerations default = %d, want 0 (veto)", tenant.Audit.MaxRegenerations)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/cg-test
tenants:
  shop-a:
    system_prompt: "你是店铺助手。"
    llm:
      model: gpt-4o
    audit:
      mode: dual
      max_regenerations: 2
      servers: ["http://audit-1:9000"]
    routing:
      kb_top_n: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tenant := cfg.Tenant("shop-a")
	if tenant.LLM.Model != "gpt-4o" {
		t.Errorf("Model = %q", tenant.LLM.Model)
	}
	if tenant.SystemPrompt != "你是店铺助手。" {
		t.Errorf("SystemPrompt = %q", tenant.SystemPrompt)
	}
	if tenant.Audit.Mode != "dual" || tenant.Audit.MaxRegenerations != 2 {
		t.Errorf("Audit = %+v", tenant.Audit)
	}

	// Untouched sections keep their defaults.
	if tenant.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("BaseURL lost its default: %q", tenant.LLM.BaseURL)
	}
	if tenant.Routing.DefaultModel != "gpt-4o-mini" {
		t.Errorf("Routing default model lost: %q", tenant.Routing.DefaultModel)
	}
	if tenant.Routing.KBTopN != 5 {
		t.Errorf("KBTopN = %d", tenant.Routing.KBTopN)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := writeConfig(t, "tenants: [not: a: map")
	if _, err := Load(path); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestEnvOverridesInjectKeys(t *testing.T) {
	t.Setenv("CONVOGUARD_LLM_API_KEY", "sk-env")
	t.Setenv("CONVOGUARD_DATA_DIR", "/tmp/cg-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/cg-env" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Tenant("default").LLM.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.Tenant("default").LLM.APIKey)
	}
}

func TestTenantFallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tenant("unknown") == nil {
		t.Fatal("Tenant must never return nil")
	}
	if cfg.Tenant("unknown") != cfg.Tenants["default"] {
		t.Error("Unknown tenant should resolve to the default tenant")
	}
}

func TestScheduleActive(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		sched  ScheduleConfig
		active bool
	}{
		{"empty window", ScheduleConfig{}, true},
		{"inside window", ScheduleConfig{Start: "2026-03-01T00:00:00Z", End: "2026-04-01T00:00:00Z"}, true},
		{"before start", ScheduleConfig{Start: "2026-03-20T00:00:00Z"}, false},
		{"after end", ScheduleConfig{End: "2026-03-10T00:00:00Z"}, false},
		{"unparsable bound ignored", ScheduleConfig{Start: "someday"}, true},
	}
	for _, c := range cases {
		if got := c.sched.ScheduleActive(now); got != c.active {
			t.Errorf("%s: ScheduleActive = %v, want %v", c.name, got, c.active)
		}
	}
}

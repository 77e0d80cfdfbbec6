package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LODE_HOME", "/tmp/lode-test-home")
	t.Setenv("LODE_RUNS_DIR", "")
	t.Setenv("LODE_DB_PATH", "")
	t.Setenv("LODE_API_BASE", "")
	t.Setenv("LODE_MODE", "")
	t.Setenv("LODE_SEARCH_COUNT", "")
	t.Setenv("LODE_INVOKE_TIMEOUT_MS", "")
	t.Setenv("LODE_SERVE_ADDR", "")

	cfg := Load()

	if cfg.Home != "/tmp/lode-test-home" {
		t.Errorf("Home = %q", cfg.Home)
	}
	if want := filepath.Join("/tmp/lode-test-home", "runs"); cfg.RunsDir != want {
		t.Errorf("RunsDir = %q, want %q", cfg.RunsDir, want)
	}
	if want := filepath.Join("/tmp/lode-test-home", "lode.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if cfg.APIBase != "https://api.openai.com" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.Mode != "live" {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.SearchCount != 0 {
		t.Errorf("SearchCount = %d, want 0 (engine default applies)", cfg.SearchCount)
	}
	if cfg.InvokeTimeout != 120*time.Second {
		t.Errorf("InvokeTimeout = %s", cfg.InvokeTimeout)
	}
	if cfg.RetryMax != 3 {
		t.Errorf("RetryMax = %d", cfg.RetryMax)
	}
	if cfg.CancelGrace != 5*time.Second {
		t.Errorf("CancelGrace = %s", cfg.CancelGrace)
	}
	if cfg.ServeAddr != ":8080" {
		t.Errorf("ServeAddr = %q", cfg.ServeAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LODE_HOME", "/data/lode")
	t.Setenv("LODE_RUNS_DIR", "/var/lode/runs")
	t.Setenv("LODE_MODEL", "gpt-4o-mini")
	t.Setenv("LODE_MODE", "mock")
	t.Setenv("LODE_SEARCH_COUNT", "7")
	t.Setenv("LODE_MAX_ITERATIONS", "5")
	t.Setenv("LODE_RETRY_BASE_MS", "250")
	t.Setenv("LODE_POLICY_FILE", "/etc/lode/decision.rego")

	cfg := Load()

	if cfg.RunsDir != "/var/lode/runs" {
		t.Errorf("RunsDir = %q", cfg.RunsDir)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.Mode != "mock" {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.SearchCount != 7 || cfg.MaxIterations != 5 {
		t.Errorf("run defaults = %d/%d", cfg.SearchCount, cfg.MaxIterations)
	}
	if cfg.RetryBase != 250*time.Millisecond {
		t.Errorf("RetryBase = %s", cfg.RetryBase)
	}
	if cfg.PolicyFile != "/etc/lode/decision.rego" {
		t.Errorf("PolicyFile = %q", cfg.PolicyFile)
	}
}

func TestAPIKeyFallsBackToOpenAIEnv(t *testing.T) {
	t.Setenv("LODE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	if got := Load().APIKey; got != "sk-fallback" {
		t.Errorf("APIKey = %q, want fallback", got)
	}

	t.Setenv("LODE_API_KEY", "sk-primary")
	if got := Load().APIKey; got != "sk-primary" {
		t.Errorf("APIKey = %q, want primary", got)
	}
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("LODE_RETRY_MAX", "not-a-number")
	if got := Load().RetryMax; got != 3 {
		t.Errorf("RetryMax = %d, want default on parse failure", got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, tmp, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if setting != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
			t.Fatalf("write setting: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "creditgate.ini"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
}

func TestLoadMergesBaseAndEnv(t *testing.T) {
	tmp := t.TempDir()
	setting := "environment=dev\nlog_level=debug\ninitial_balance=500\n"
	env := "http_address=:9090\nledger_path=/tmp/custom-ledger.db\nauth_secret=file-secret\ninitial_balance=750\nmax_stream_duration=90s\n"
	writeConfig(t, tmp, setting, env)
	os.Setenv("CREDITGATE_AUTH_SECRET", "env-secret")
	t.Cleanup(func() { os.Unsetenv("CREDITGATE_AUTH_SECRET") })

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LedgerPath != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.InitialBalance != 750 {
		t.Fatalf("env config should override base, got %d", cfg.InitialBalance)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("environment variable should win, got %s", cfg.AuthSecret)
	}
	if cfg.MaxStreamDuration != 90*time.Second {
		t.Fatalf("unexpected max stream duration %s", cfg.MaxStreamDuration)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "", "")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.HTTPAddress != ":8090" {
		t.Fatalf("expected default http address :8090, got %s", cfg.HTTPAddress)
	}
	if cfg.LedgerDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", cfg.LedgerDriver)
	}
	if cfg.LedgerPath != DefaultLedgerPath() {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
	if cfg.InitialBalance != 1000 {
		t.Fatalf("expected default initial balance 1000, got %d", cfg.InitialBalance)
	}
	if !cfg.AuthDisabled {
		t.Fatal("auth should be disabled by default")
	}
	if cfg.LocalUserID != "local" {
		t.Fatalf("unexpected local user %s", cfg.LocalUserID)
	}
	if cfg.MaxStreamDuration != 0 {
		t.Fatalf("expected no stream cap by default, got %s", cfg.MaxStreamDuration)
	}
	if len(cfg.ProviderRoutes) != 2 || cfg.ProviderRoutes[0].Pattern != "gpt*" {
		t.Fatalf("unexpected default routes %#v", cfg.ProviderRoutes)
	}
}

func TestLoadRouteRulesPreserveOrder(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "", "provider_routes=claude*=>anthropic,gpt-4*=>openai,*=>loopback\n")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []RouteRule{
		{Pattern: "claude*", Target: "anthropic"},
		{Pattern: "gpt-4*", Target: "openai"},
		{Pattern: "*", Target: "loopback"},
	}
	if len(cfg.ProviderRoutes) != len(want) {
		t.Fatalf("got %d rules, want %d", len(cfg.ProviderRoutes), len(want))
	}
	for i, rule := range want {
		if cfg.ProviderRoutes[i] != rule {
			t.Fatalf("rule %d = %#v, want %#v", i, cfg.ProviderRoutes[i], rule)
		}
	}
}

func TestLoadRejectsInvalidDriver(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "", "ledger_driver=dynamo\n")
	if _, err := Load(tmp); err == nil {
		t.Fatal("expected error for unknown ledger driver")
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "", "ledger_driver=postgres\n")
	if _, err := Load(tmp); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestLoadInvalidStreamDuration(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "", "max_stream_duration=not-a-duration\n")
	if _, err := Load(tmp); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

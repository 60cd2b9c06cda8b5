package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "./traces.db" {
		t.Errorf("unexpected default db path: %s", cfg.Storage.Path)
	}
	if cfg.Server.HTTPAddr() != "127.0.0.1:4318" {
		t.Errorf("unexpected default HTTP addr: %s", cfg.Server.HTTPAddr())
	}
	if cfg.Server.GRPCAddr() != "127.0.0.1:4317" {
		t.Errorf("unexpected default gRPC addr: %s", cfg.Server.GRPCAddr())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("unexpected default log config: %+v", cfg.Log)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("YUUTRACE_DB_PATH", "/data/spans.db")
	t.Setenv("YUUTRACE_HOST", "0.0.0.0")
	t.Setenv("YUUTRACE_HTTP_PORT", "8080")
	t.Setenv("YUUTRACE_GRPC_PORT", "9090")
	t.Setenv("YUUTRACE_LOG_LEVEL", "debug")
	t.Setenv("YUUTRACE_LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/data/spans.db" {
		t.Errorf("db path override missing: %s", cfg.Storage.Path)
	}
	if cfg.Server.HTTPAddr() != "0.0.0.0:8080" {
		t.Errorf("HTTP addr override missing: %s", cfg.Server.HTTPAddr())
	}
	if cfg.Server.GRPCAddr() != "0.0.0.0:9090" {
		t.Errorf("gRPC addr override missing: %s", cfg.Server.GRPCAddr())
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log overrides missing: %+v", cfg.Log)
	}
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
storage:
  path: /var/lib/yuutrace/traces.db
server:
  http_port: "14318"
log:
  level: warn
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("YUUTRACE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/yuutrace/traces.db" {
		t.Errorf("file value missing: %s", cfg.Storage.Path)
	}
	if cfg.Server.HTTPPort != "14318" {
		t.Errorf("file value missing: %s", cfg.Server.HTTPPort)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("file value missing: %s", cfg.Log.Level)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.GRPCPort != "4317" {
		t.Errorf("defaults lost under file layering: %+v", cfg.Server)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  path: /from/file.db\n"), 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("YUUTRACE_CONFIG", path)
	t.Setenv("YUUTRACE_DB_PATH", "/from/env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/from/env.db" {
		t.Errorf("env should override file, got %s", cfg.Storage.Path)
	}
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("YUUTRACE_CONFIG", "/no/such/file.yaml")

	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable config file")
	}
}

func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{not yaml: ["), 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("YUUTRACE_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid config file")
	}
}

func TestSetForTesting(t *testing.T) {
	custom := Default()
	custom.Server.HTTPPort = "0"
	SetForTesting(custom)
	t.Cleanup(func() { SetForTesting(nil) })

	if Get().Server.HTTPPort != "0" {
		t.Errorf("SetForTesting not honored: %s", Get().Server.HTTPPort)
	}
}

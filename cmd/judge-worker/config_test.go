package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tiger/internal/judge/sandbox"
)

const baseConfig = `
broker:
  kind: kafka
  consumerGroup: tiger
kafka:
  brokers: ["localhost:9092"]
redis:
  addr: localhost:6379
storage:
  endpoint: localhost:9000
coordinator:
  username: file-user
  password: file-pass
worker:
  poolSize: 4
  retryDelay: 5s
task:
  executeOnCompileError: true
sandbox:
  memoryLimit: 1g
  user: judge
toolchains:
  path: configs/toolchains.yaml
  queues: [cpp]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge_worker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, baseConfig), envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.Kind != "kafka" || cfg.Broker.EventTopic != defaultEventTopic {
		t.Fatalf("unexpected broker %+v", cfg.Broker)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Worker.PoolSize != 4 || cfg.Worker.RetryDelay != 5*time.Second {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
	if cfg.Toolchains.QueuesType != defaultQueuesType {
		t.Fatalf("expected default queues type, got %q", cfg.Toolchains.QueuesType)
	}
	if cfg.Sandbox.Image != sandbox.DefaultImage || cfg.Sandbox.MemoryLimit != "1g" {
		t.Fatalf("unexpected sandbox config %+v", cfg.Sandbox)
	}
	if !cfg.Task.ExecuteOnCompileError || cfg.Task.SandboxUser != "judge" {
		t.Fatalf("unexpected task config %+v", cfg.Task)
	}
}

func TestLoadAppConfigEnvOverrides(t *testing.T) {
	env := envMap(map[string]string{
		envUsername:                   "env-user",
		envPassword:                   "env-pass",
		sandbox.EnvImage:              "gcc:13",
		sandbox.EnvPidsLimit:          "64",
		sandbox.EnvMinFallbackTimeout: "7",
	})
	cfg, err := loadAppConfig(writeConfig(t, baseConfig), env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Coordinator.Username != "env-user" || cfg.Coordinator.Password != "env-pass" {
		t.Fatalf("coordinator credentials not overridden: %+v", cfg.Coordinator)
	}
	if cfg.Sandbox.Image != "gcc:13" || cfg.Sandbox.PidsLimit != 64 || cfg.Sandbox.MinFallbackTimeout != 7*time.Second {
		t.Fatalf("sandbox env not applied: %+v", cfg.Sandbox)
	}
}

func TestLoadAppConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		replace [2]string
		env     map[string]string
		want    string
	}{
		{name: "unknown broker", replace: [2]string{"kind: kafka", "kind: rabbit"}, want: "unsupported broker kind"},
		{name: "nats without url", replace: [2]string{"kind: kafka", "kind: nats"}, want: "nats url is required"},
		{name: "no redis", replace: [2]string{"addr: localhost:6379", "addr: \"\""}, want: "redis addr is required"},
		{name: "no credentials", replace: [2]string{"password: file-pass", "password: \"\""}, want: "coordinator credentials"},
		{name: "no toolchains", replace: [2]string{"path: configs/toolchains.yaml", "path: \"\""}, want: "toolchains path is required"},
		{name: "bad env", env: map[string]string{sandbox.EnvPidsLimit: "lots"}, want: sandbox.EnvPidsLimit},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := baseConfig
			if tt.replace[0] != "" {
				body = strings.Replace(body, tt.replace[0], tt.replace[1], 1)
			}
			_, err := loadAppConfig(writeConfig(t, body), envMap(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file must be ignored: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TIGER_TEST_ENV_FILE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TIGER_TEST_ENV_FILE", "")
	os.Unsetenv("TIGER_TEST_ENV_FILE")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("TIGER_TEST_ENV_FILE"); got != "loaded" {
		t.Fatalf("expected loaded, got %q", got)
	}
}

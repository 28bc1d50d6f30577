package sandbox_test

import (
	"testing"
	"time"

	"tiger/internal/judge/sandbox"
)

func TestFallbackTimeout(t *testing.T) {
	t.Parallel()
	cfg := sandbox.Config{}
	cfg.ApplyDefaults()
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{timeout: 0, want: 60 * time.Second},
		{timeout: time.Second, want: 60 * time.Second},
		{timeout: 45 * time.Second, want: 90 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.FallbackTimeout(tt.timeout); got != tt.want {
			t.Fatalf("FallbackTimeout(%v) = %v, want %v", tt.timeout, got, tt.want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		sandbox.EnvImage:              "custom:1",
		sandbox.EnvPidsLimit:          "128",
		sandbox.EnvMemoryLimit:        "1g",
		sandbox.EnvMinFallbackTimeout: "5",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := sandbox.Config{}
	cfg.ApplyDefaults()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Image != "custom:1" || cfg.PidsLimit != 128 || cfg.MemoryLimit != "1g" || cfg.MinFallbackTimeout != 5*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	env[sandbox.EnvMemoryLimit] = "lots"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatal("expected invalid memory limit error")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := sandbox.Config{}
	cfg.ApplyDefaults()
	if cfg.Image != sandbox.DefaultImage || cfg.PidsLimit != sandbox.DefaultPidsLimit || cfg.MemoryLimit != sandbox.DefaultMemoryLimit || cfg.User != sandbox.DefaultUser {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

package sandbox_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"tiger/internal/judge/sandbox"
)

// Tests in this file talk to a real docker daemon. They run only with
// TIGER_DOCKER_TESTS=1 and expect the image named by TIGER_DOCKER_IMAGE
// (default debian:bookworm-slim) to be present locally.

func dockerSession(t *testing.T, name string) (*sandbox.Session, sandbox.DockerAPI, sandbox.Config) {
	t.Helper()
	if os.Getenv("TIGER_DOCKER_TESTS") != "1" {
		t.Skip("set TIGER_DOCKER_TESTS=1 to run docker tests")
	}
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	api, err := sandbox.NewDockerClient()
	if err != nil {
		t.Fatalf("docker client: %v", err)
	}
	t.Cleanup(func() { _ = api.Close() })

	image := os.Getenv("TIGER_DOCKER_IMAGE")
	if image == "" {
		image = "debian:bookworm-slim"
	}
	cfg := sandbox.Config{
		Image:              image,
		CompanionBinary:    buildCompanion(t),
		MinFallbackTimeout: 20 * time.Second,
		CreateTimeout:      time.Minute,
	}
	cfg.ApplyDefaults()

	s, err := sandbox.NewSession(api, name, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, api, cfg
}

func buildCompanion(t *testing.T) string {
	t.Helper()
	root, err := filepath.Abs(filepath.Join("..", "..", ".."))
	if err != nil {
		t.Fatalf("module root: %v", err)
	}
	out := filepath.Join(t.TempDir(), "runner")
	cmd := exec.Command("go", "build", "-o", out, "./cmd/runner")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build companion failed: %v: %s", err, output)
	}
	return out
}

func TestDockerRunsEcho(t *testing.T) {
	s, _, _ := dockerSession(t, "")
	got, err := s.RunCommand(context.Background(), []string{"echo", "hello", "world"}, sandbox.CommandOptions{
		Timeout: 5 * time.Second,
		Check:   true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(got.Stdout) != "hello world\n" {
		t.Fatalf("unexpected stdout %q", got.Stdout)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 || got.TimedOut {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestDockerEnforcesTimeout(t *testing.T) {
	s, _, _ := dockerSession(t, "")
	start := time.Now()
	got, err := s.RunCommand(context.Background(), []string{"sleep", "10"}, sandbox.CommandOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got.TimedOut || got.ExitCode != nil {
		t.Fatalf("expected timeout without exit code, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed >= 10*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestDockerReopensNameAfterClose(t *testing.T) {
	name := sandbox.NewName()
	s, api, cfg := dockerSession(t, name)
	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := sandbox.NewSession(api, name, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := again.Open(ctx); err != nil {
		t.Fatalf("reopen %s: %v", name, err)
	}
	defer func() { _ = again.Close(ctx) }()
	if _, err := again.RunCommand(ctx, []string{"true"}, sandbox.CommandOptions{Timeout: 5 * time.Second, Check: true}); err != nil {
		t.Fatalf("run after reopen: %v", err)
	}
}

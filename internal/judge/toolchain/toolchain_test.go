package toolchain_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"tiger/internal/judge/toolchain"

	"github.com/docker/docker/api/types/image"
)

const yamlInventory = `
images:
  gcc:
    image: ghcr.io/joint-online-judge/gcc:12
  python:
    image: ghcr.io/joint-online-judge/python:3.11
  shared-gcc:
    image: ghcr.io/joint-online-judge/gcc:12
queues:
  default:
    images: [gcc, python]
  cpp:
    images: [gcc, shared-gcc]
    build: true
`

const tomlInventory = `
[images.gcc]
image = "gcc:12"

[queues.default]
images = ["gcc"]
`

func TestParseYAML(t *testing.T) {
	cfg, err := toolchain.Parse([]byte(yamlInventory), "yaml", []string{"default", " cpp "}, "official")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Images["gcc"].Name != "gcc" || cfg.Queues["cpp"].Name != "cpp" || !cfg.Queues["cpp"].Build {
		t.Fatalf("names not populated: %+v", cfg)
	}
	want := []string{"joj.tiger.official.cpp", "joj.tiger.official.default"}
	if got := cfg.Topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected topics %v", got)
	}
	wantImages := []string{"ghcr.io/joint-online-judge/gcc:12", "ghcr.io/joint-online-judge/python:3.11"}
	if got := cfg.UniqueImages(); !reflect.DeepEqual(got, wantImages) {
		t.Fatalf("unexpected images %v", got)
	}
}

func TestParseTOML(t *testing.T) {
	cfg, err := toolchain.Parse([]byte(tomlInventory), "toml", []string{"default"}, "campus")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Topics(); !reflect.DeepEqual(got, []string{"joj.tiger.campus.default"}) {
		t.Fatalf("unexpected topics %v", got)
	}
}

func TestParseValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     string
		selected []string
		wantErr  string
	}{
		{name: "unknown queue", data: yamlInventory, selected: []string{"java"}, wantErr: "queue java not defined"},
		{name: "unknown image", data: "images: {}\nqueues:\n  default:\n    images: [rust]\n", selected: []string{"default"}, wantErr: "image rust not defined"},
		{name: "nothing selected", data: yamlInventory, selected: []string{""}, wantErr: "no queues selected"},
		{name: "empty reference", data: "images:\n  gcc: {}\nqueues: {}\n", selected: []string{"default"}, wantErr: "has no reference"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := toolchain.Parse([]byte(tt.data), "yaml", tt.selected, "official")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolchains.toml")
	if err := os.WriteFile(path, []byte(tomlInventory), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := toolchain.Load(path, []string{"default"}, "official"); err != nil {
		t.Fatalf("load: %v", err)
	}
	bad := filepath.Join(dir, "toolchains.ini")
	if err := os.WriteFile(bad, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := toolchain.Load(bad, []string{"default"}, "official"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

type fakePuller struct {
	mu     sync.Mutex
	pulled []string
	fail   map[string]bool
}

func (f *fakePuller) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	if f.fail[ref] {
		return io.NopCloser(strings.NewReader(`{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n")), nil
	}
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}` + "\n")), nil
}

func TestPullImages(t *testing.T) {
	cfg, err := toolchain.Parse([]byte(yamlInventory), "yaml", []string{"default", "cpp"}, "official")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	puller := &fakePuller{}
	if err := cfg.PullImages(context.Background(), puller); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(puller.pulled) != 2 {
		t.Fatalf("expected each unique image pulled once, got %v", puller.pulled)
	}

	puller = &fakePuller{fail: map[string]bool{"ghcr.io/joint-online-judge/gcc:12": true}}
	err = cfg.PullImages(context.Background(), puller)
	if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("expected pull failure, got %v", err)
	}
	if len(puller.pulled) != 1 {
		t.Fatalf("expected pulling to stop at the first failure, got %v", puller.pulled)
	}
}

func TestPullImagesRequestError(t *testing.T) {
	cfg, err := toolchain.Parse([]byte(tomlInventory), "toml", []string{"default"}, "official")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	boom := errors.New("daemon unavailable")
	err = cfg.PullImages(context.Background(), pullFunc(func(string) (io.ReadCloser, error) { return nil, boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped daemon error, got %v", err)
	}
}

type pullFunc func(ref string) (io.ReadCloser, error)

func (f pullFunc) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	return f(ref)
}

package sandbox

import (
	"fmt"
	"strconv"
	"time"

	units "github.com/docker/go-units"
)

const (
	// CompanionPath is where the companion executable lives inside a sandbox.
	CompanionPath = "/root/runner"
	// WorkingDir is the working directory of every command and staged file.
	WorkingDir = "/root"

	DefaultUser               = "root"
	DefaultImage              = "ghcr.io/joint-online-judge/buildpack-deps:focal"
	DefaultPidsLimit          = 512
	DefaultMemoryLimit        = "4g"
	DefaultMinFallbackTimeout = 60 * time.Second
)

// Environment overrides understood by ApplyEnv.
const (
	EnvImage              = "RUNNER_DOCKER_IMAGE"
	EnvPidsLimit          = "RUNNER_PIDS_LIMIT"
	EnvMemoryLimit        = "RUNNER_MEM_LIMIT"
	EnvMinFallbackTimeout = "RUNNER_MIN_FALLBACK_TIMEOUT"
)

// Config holds the container settings of a sandbox session.
type Config struct {
	Image              string            `yaml:"image"`
	AllowNetworkAccess bool              `yaml:"allowNetworkAccess"`
	Env                map[string]string `yaml:"env"`
	PidsLimit          int64             `yaml:"pidsLimit"`
	// MemoryLimit uses docker notation ("512m", "4g") and caps memory and swap.
	MemoryLimit        string        `yaml:"memoryLimit"`
	MinFallbackTimeout time.Duration `yaml:"minFallbackTimeout"`
	CreateTimeout      time.Duration `yaml:"createTimeout"`
	// CompanionBinary is the host path of the companion executable.
	CompanionBinary string `yaml:"companionBinary"`
	User            string `yaml:"user"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = DefaultPidsLimit
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.MinFallbackTimeout <= 0 {
		c.MinFallbackTimeout = DefaultMinFallbackTimeout
	}
	if c.User == "" {
		c.User = DefaultUser
	}
}

// ApplyEnv overrides fields from RUNNER_* variables. The fallback timeout
// variable is in seconds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvImage); ok && v != "" {
		c.Image = v
	}
	if v, ok := lookup(EnvPidsLimit); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", EnvPidsLimit, v)
		}
		c.PidsLimit = n
	}
	if v, ok := lookup(EnvMemoryLimit); ok && v != "" {
		if _, err := units.RAMInBytes(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMemoryLimit, v, err)
		}
		c.MemoryLimit = v
	}
	if v, ok := lookup(EnvMinFallbackTimeout); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", EnvMinFallbackTimeout, v)
		}
		c.MinFallbackTimeout = time.Duration(n) * time.Second
	}
	return nil
}

func (c Config) memoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", c.MemoryLimit, err)
	}
	return n, nil
}

// FallbackTimeout returns max(2*timeout, MinFallbackTimeout). A command with
// no timeout gets MinFallbackTimeout so nothing runs unbounded.
func (c Config) FallbackTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.MinFallbackTimeout
	}
	return max(2*timeout, c.MinFallbackTimeout)
}

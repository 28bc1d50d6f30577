package model

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ProblemConfigFile is the config file name at the root of a problem config tree.
const ProblemConfigFile = "config.json"

const defaultCaseScore = 10

// ProblemConfig defines the judge-facing problem configuration.
type ProblemConfig struct {
	Languages     []LanguageConfig `json:"languages"`
	Cases         []CaseConfig     `json:"cases"`
	StrictCompare bool             `json:"strict_compare"`
}

// LanguageConfig describes how a submission in one language is built and run.
// An empty Compile means the language has no compile step.
type LanguageConfig struct {
	Name           string `json:"name"`
	Image          string `json:"image"`
	Compile        string `json:"compile"`
	Execute        string `json:"execute"`
	CompileTimeout int    `json:"compile_timeout"` // seconds
}

// CaseConfig describes one test case. Paths are relative to the config tree.
type CaseConfig struct {
	Input            string `json:"input"`
	Output           string `json:"output"`
	TimeLimitMs      int64  `json:"time_limit_ms"`
	MemoryLimitKB    int64  `json:"memory_limit_kb"`
	OutputLimitBytes int    `json:"output_limit_bytes"`
	Score            int    `json:"score"`
}

// Timeout returns the case wall limit rounded up to whole seconds.
func (c CaseConfig) Timeout() time.Duration {
	if c.TimeLimitMs <= 0 {
		return 0
	}
	secs := (c.TimeLimitMs + 999) / 1000
	return time.Duration(secs) * time.Second
}

// FullScore returns the configured score, defaulting to 10.
func (c CaseConfig) FullScore() int {
	if c.Score <= 0 {
		return defaultCaseScore
	}
	return c.Score
}

// Language returns the configuration for the named language.
func (p ProblemConfig) Language(name string) (LanguageConfig, bool) {
	for _, l := range p.Languages {
		if l.Name == name {
			return l, true
		}
	}
	return LanguageConfig{}, false
}

// LoadProblemConfig parses config.json.
func LoadProblemConfig(path string) (ProblemConfig, error) {
	var cfg ProblemConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return ProblemConfig{}, fmt.Errorf("read config failed: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ProblemConfig{}, fmt.Errorf("parse config failed: %w", err)
	}
	return cfg, nil
}

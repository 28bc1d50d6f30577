// Package toolchain loads the image inventory and the queues a worker serves.
package toolchain

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tiger/pkg/utils/logger"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const topicPrefix = "joj.tiger"

// Image is a named container image.
type Image struct {
	Name  string `yaml:"-" toml:"-"`
	Image string `yaml:"image" toml:"image"`
}

// Queue groups the images needed to serve one queue.
type Queue struct {
	Name   string   `yaml:"-" toml:"-"`
	Images []string `yaml:"images" toml:"images"`
	Build  bool     `yaml:"build" toml:"build"`
}

type file struct {
	Images map[string]Image `yaml:"images" toml:"images"`
	Queues map[string]Queue `yaml:"queues" toml:"queues"`
}

// Config is the validated inventory restricted to the selected queues.
type Config struct {
	Images     map[string]Image
	Queues     map[string]Queue
	QueuesType string
}

// Load reads a YAML or TOML inventory, chosen by file extension.
func Load(path string, selected []string, queuesType string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read toolchains config failed: %w", err)
	}
	return Parse(data, strings.TrimPrefix(filepath.Ext(path), "."), selected, queuesType)
}

// Parse decodes an inventory in format ("yaml", "yml" or "toml") and keeps
// only the selected queues. Every selected queue and every image it names
// must be defined.
func Parse(data []byte, format string, selected []string, queuesType string) (*Config, error) {
	var raw file
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse toolchains yaml failed: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse toolchains toml failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported toolchains format %q", format)
	}
	if queuesType == "" {
		return nil, fmt.Errorf("queues type is required")
	}

	cfg := &Config{
		Images:     make(map[string]Image, len(raw.Images)),
		Queues:     make(map[string]Queue, len(selected)),
		QueuesType: queuesType,
	}
	for name, img := range raw.Images {
		if img.Image == "" {
			return nil, fmt.Errorf("image %s has no reference", name)
		}
		img.Name = name
		cfg.Images[name] = img
	}
	for _, name := range selected {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		q, ok := raw.Queues[name]
		if !ok {
			return nil, fmt.Errorf("queue %s not defined in queues", name)
		}
		for _, img := range q.Images {
			if _, ok := cfg.Images[img]; !ok {
				return nil, fmt.Errorf("image %s not defined in images", img)
			}
		}
		q.Name = name
		cfg.Queues[name] = q
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("no queues selected")
	}
	return cfg, nil
}

// Topics returns the broker topic of every selected queue, sorted.
func (c *Config) Topics() []string {
	out := make([]string, 0, len(c.Queues))
	for name := range c.Queues {
		out = append(out, Topic(c.QueuesType, name))
	}
	sort.Strings(out)
	return out
}

// Topic names the topic of one queue.
func Topic(queuesType, queue string) string {
	return fmt.Sprintf("%s.%s.%s", topicPrefix, queuesType, queue)
}

// UniqueImages returns the image references used by the selected queues.
func (c *Config) UniqueImages() []string {
	set := mapset.NewSet[string]()
	for _, q := range c.Queues {
		for _, name := range q.Images {
			set.Add(c.Images[name].Image)
		}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// ImagePuller is the subset of the docker client used to pull images.
type ImagePuller interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// PullImages pulls every unique image once. It stops at the first failure.
func (c *Config) PullImages(ctx context.Context, puller ImagePuller) error {
	for _, ref := range c.UniqueImages() {
		logger.Info(ctx, "docker pull", zap.String("image", ref))
		stream, err := puller.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
		err = jsonmessage.DisplayJSONMessagesStream(stream, io.Discard, 0, false, nil)
		_ = stream.Close()
		if err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
	}
	return nil
}

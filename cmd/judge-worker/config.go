package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tiger/internal/common/cache"
	"tiger/internal/common/mq"
	"tiger/internal/common/storage"
	"tiger/internal/judge/coordinator"
	"tiger/internal/judge/sandbox"
	"tiger/internal/judge/task"
	"tiger/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultQueuesType      = "default"
	defaultEventTopic      = "joj.tiger.events"

	envUsername = "HORSE_USERNAME"
	envPassword = "HORSE_PASSWORD"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// BrokerConfig selects the queue backend.
type BrokerConfig struct {
	// Kind is "kafka" or "nats".
	Kind            string `yaml:"kind"`
	ConsumerGroup   string `yaml:"consumerGroup"`
	DeadLetterTopic string `yaml:"deadLetterTopic"`
	// EventTopic receives terminal task snapshots. "-" disables events.
	EventTopic string `yaml:"eventTopic"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize    int           `yaml:"poolSize"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
	MaxRequeues int           `yaml:"maxRequeues"`
	LeaseTTL    time.Duration `yaml:"leaseTTL"`
	StateTTL    time.Duration `yaml:"stateTTL"`
}

// ToolchainsConfig points at the image inventory.
type ToolchainsConfig struct {
	Path        string   `yaml:"path"`
	Queues      []string `yaml:"queues"`
	QueuesType  string   `yaml:"queuesType"`
	PullOnStart bool     `yaml:"pullOnStart"`
}

// AppConfig holds judge-worker config.
type AppConfig struct {
	Server      ServerConfig        `yaml:"server"`
	Logger      logger.Config       `yaml:"logger"`
	Broker      BrokerConfig        `yaml:"broker"`
	Kafka       mq.KafkaConfig      `yaml:"kafka"`
	NATS        mq.NATSConfig       `yaml:"nats"`
	Redis       cache.RedisConfig   `yaml:"redis"`
	Storage     storage.MinIOConfig `yaml:"storage"`
	Coordinator coordinator.Config  `yaml:"coordinator"`
	Worker      WorkerConfig        `yaml:"worker"`
	Task        task.Config         `yaml:"task"`
	Sandbox     sandbox.Config      `yaml:"sandbox"`
	Toolchains  ToolchainsConfig    `yaml:"toolchains"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the file, applies environment overrides and fills
// defaults. lookup is os.LookupEnv outside tests.
func loadAppConfig(path string, lookup func(string) (string, bool)) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Sandbox.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if v, ok := lookup(envUsername); ok && v != "" {
		cfg.Coordinator.Username = v
	}
	if v, ok := lookup(envPassword); ok && v != "" {
		cfg.Coordinator.Password = v
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	cfg.Broker.Kind = strings.ToLower(strings.TrimSpace(cfg.Broker.Kind))
	switch cfg.Broker.Kind {
	case "", "kafka":
		cfg.Broker.Kind = "kafka"
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case "nats":
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats url is required")
		}
	default:
		return fmt.Errorf("unsupported broker kind %q", cfg.Broker.Kind)
	}
	if cfg.Broker.EventTopic == "" {
		cfg.Broker.EventTopic = defaultEventTopic
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Storage.Endpoint == "" {
		return fmt.Errorf("storage endpoint is required")
	}
	if cfg.Coordinator.Username == "" || cfg.Coordinator.Password == "" {
		return fmt.Errorf("coordinator credentials are required (set %s and %s)", envUsername, envPassword)
	}
	if cfg.Toolchains.Path == "" {
		return fmt.Errorf("toolchains path is required")
	}
	if cfg.Toolchains.QueuesType == "" {
		cfg.Toolchains.QueuesType = defaultQueuesType
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	cfg.Sandbox.ApplyDefaults()
	cfg.Task.SandboxUser = cfg.Sandbox.User
	return nil
}

func (cfg *AppConfig) eventTopic() string {
	if cfg.Broker.EventTopic == "-" {
		return ""
	}
	return cfg.Broker.EventTopic
}

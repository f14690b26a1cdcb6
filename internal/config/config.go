// Package config loads the YAML configuration of the matching engine.
//
// Loading order:
//  1. .env next to the working directory, when present (godotenv)
//  2. the YAML file, with ${VAR} references expanded from the environment
//  3. defaults for every field left empty
//  4. struct-tag validation
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration structure.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Store     StoreConfig     `yaml:"store"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Recommend RecommendConfig `yaml:"recommend"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type WorkerConfig struct {
	Count       int           `yaml:"count" validate:"min=1,max=512"`
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gt=0"`
	BufferSize  int           `yaml:"buffer_size" validate:"min=1"`
}

type PipelineConfig struct {
	Mode          string        `yaml:"mode" validate:"oneof=async inline"`
	MaxRetries    int           `yaml:"max_retries" validate:"min=0,max=10"`
	RetryBase     time.Duration `yaml:"retry_base" validate:"gte=0"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`
	Retention     time.Duration `yaml:"retention" validate:"gte=0"`
}

type QueueConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory redis"`
	KeyPrefix string `yaml:"key_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	// Enabled is derived from queue.backend.
	Enabled bool `yaml:"-"`
}

type PostgresConfig struct {
	URL string `yaml:"url" validate:"required_if=Enabled true"`
	// Enabled is derived from store.backend.
	Enabled bool `yaml:"-"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory postgres"`
	// CVRoot resolves stored CV paths (postgres backend).
	CVRoot string `yaml:"cv_root"`
	// SeedFile is a JSON fixture loaded into the memory backend.
	SeedFile string `yaml:"seed_file"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Backups  int           `yaml:"backups" validate:"min=0"`
}

type RecommendConfig struct {
	ArtifactDir   string `yaml:"artifact_dir" validate:"required"`
	DefaultK      int    `yaml:"default_k" validate:"min=1,max=100"`
	EfSearch      int    `yaml:"ef_search" validate:"min=1"`
	DenseWarnSize int    `yaml:"dense_warn_size" validate:"min=1"`
	Neighbors     int    `yaml:"neighbors" validate:"min=1"`
	GraphM        int    `yaml:"graph_m" validate:"min=2"`
	Dim           int    `yaml:"dim" validate:"min=8"`
	BuildDense    bool   `yaml:"build_dense"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval" validate:"gte=0"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
	Batch      int           `yaml:"batch" validate:"min=1"`
	Rate       float64       `yaml:"rate" validate:"gt=0"`
}

// Default returns the configuration used for fields left empty.
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Worker: WorkerConfig{Count: 4, TaskTimeout: 30 * time.Second, BufferSize: 64},
		Pipeline: PipelineConfig{
			Mode:          "async",
			MaxRetries:    3,
			RetryBase:     60 * time.Second,
			RetryInterval: time.Second,
			Retention:     24 * time.Hour,
		},
		Queue:    QueueConfig{Backend: "memory", KeyPrefix: "talent_match"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Store:    StoreConfig{Backend: "memory"},
		Snapshot: SnapshotConfig{Path: "data/tasks.snapshot", Interval: 30 * time.Second, Backups: 2},
		Recommend: RecommendConfig{
			ArtifactDir:   "data/artifacts",
			DefaultK:      5,
			EfSearch:      50,
			DenseWarnSize: 5000,
			Neighbors:     5,
			GraphM:        16,
			Dim:           256,
		},
		Metrics: MetricsConfig{Enabled: true},
		Server:  ServerConfig{HTTPAddr: ":8080", ShutdownTimeout: 10 * time.Second},
		Sweeper: SweeperConfig{Interval: 10 * time.Minute, StaleAfter: time.Hour, Batch: 10, Rate: 5},
	}
}

// Load reads path and returns a validated configuration. A missing .env
// file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	c.Redis.Enabled = c.Queue.Backend == "redis"
	c.Postgres.Enabled = c.Store.Backend == "postgres"

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Queue.Backend == "redis" && c.Pipeline.Mode == "inline" {
		return errors.New("invalid config: queue.backend redis requires pipeline.mode async")
	}
	return nil
}

// Package config loads lens settings from defaults, an optional YAML file,
// a .env file and LENS_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pypottery/lens/pkg/store"
)

// Config is the full application configuration.
type Config struct {
	ProjectsRoot string         `yaml:"projects_root"`
	Server       ServerConfig   `yaml:"server"`
	Log          LogConfig      `yaml:"log"`
	Pipeline     PipelineConfig `yaml:"pipeline"`
	Models       ModelsConfig   `yaml:"models"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PipelineConfig struct {
	// Workers bounds concurrent per-card classification.
	Workers int `yaml:"workers"`
	// MinRegionArea drops mask regions smaller than this many pixels.
	MinRegionArea int `yaml:"min_region_area"`
}

// CommandConfig describes an external model process.
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type ModelsConfig struct {
	Dir        string        `yaml:"dir"`
	Detector   CommandConfig `yaml:"detector"`
	Classifier CommandConfig `yaml:"classifier"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ProjectsRoot: store.DefaultProjectsRoot(),
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5001,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Pipeline: PipelineConfig{
			Workers:       4,
			MinRegionArea: 64,
		},
	}
}

// Load builds the configuration. path overrides LENS_CONFIG_PATH when set.
func Load(path string) (Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("LENS_CONFIG_PATH")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at use.
func (c Config) Validate() error {
	if c.ProjectsRoot == "" {
		return fmt.Errorf("projects_root must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	if c.Pipeline.MinRegionArea < 0 {
		return fmt.Errorf("pipeline.min_region_area must not be negative")
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("LENS_PROJECTS_ROOT"); v != "" {
		cfg.ProjectsRoot = v
	}
	if v := os.Getenv("LENS_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LENS_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LENS_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LENS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LENS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LENS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LENS_WORKERS: %w", err)
		}
		cfg.Pipeline.Workers = n
	}
	if v := os.Getenv("LENS_DETECTOR_COMMAND"); v != "" {
		cfg.Models.Detector.Command = v
	}
	if v := os.Getenv("LENS_CLASSIFIER_COMMAND"); v != "" {
		cfg.Models.Classifier.Command = v
	}
	return nil
}

package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the plugkit configuration file (~/.config/plugkit/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Backend string `yaml:"backend"`
	Batch   *int64 `yaml:"batch"`

	// Benchmark defaults
	Replicas *int64 `yaml:"replicas"`
	Runs     *int64 `yaml:"runs"`
	Warmup   *int64 `yaml:"warmup"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "plugkit", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return readConfig(configPath())
}

func readConfig(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyNetConfig applies config file defaults to the shared graph flags
// when the corresponding CLI flag was not explicitly set.
func applyNetConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Batch != nil && !c.IsSet("batch") {
		batch = *cfg.Batch
	}
}

func applyBenchConfig(c *cli.Command, cfg Config, replicas, runs, warmup *int64) {
	applyNetConfig(c, cfg)
	if cfg.Replicas != nil && !c.IsSet("replicas") {
		*replicas = *cfg.Replicas
	}
	if cfg.Runs != nil && !c.IsSet("runs") {
		*runs = *cfg.Runs
	}
	if cfg.Warmup != nil && !c.IsSet("warmup") {
		*warmup = *cfg.Warmup
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyNetConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

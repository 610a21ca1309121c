package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the coreplan configuration file (~/.config/coreplan/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Device
	Descriptor   string `yaml:"descriptor"`
	Grid         string `yaml:"grid"`
	DRAMChannels *int   `yaml:"dram_channels"`
	L1Reserved   *int   `yaml:"l1_reserved"`

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
	return filepath.Join(dir, "coreplan", "config.yaml")
}

// applyGlobalConfig applies config file defaults to the global flags that
// were not set explicitly.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.Descriptor != "" && !c.IsSet("descriptor") {
		descriptorPath = cfg.Descriptor
	}
	if cfg.Grid != "" && !c.IsSet("grid") {
		gridSpec = cfg.Grid
	}
	if cfg.DRAMChannels != nil && !c.IsSet("dram-channels") {
		dramChannels = *cfg.DRAMChannels
	}
	if cfg.L1Reserved != nil && !c.IsSet("l1-reserved") {
		l1Reserved = *cfg.L1Reserved
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	cfg, _ := loadConfigFile(configPath())
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

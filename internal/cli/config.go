package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// Config the YAML config file
type Config struct {
	// Scheduler options persisted with every snapshot.
	Scheduler types.Config `yaml:"scheduler"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPAddr string `yaml:"http_addr"` // empty disables /healthz, /metrics and /ws
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Development bool `yaml:"development"`
		Verbosity   int  `yaml:"verbosity"` // 0 info, 4 debug
	} `yaml:"log"`

	Modules struct {
		Watch bool `yaml:"watch"` // reload libexec on change
	} `yaml:"modules"`
}

// DefaultConfig the config used when no file is given
func DefaultConfig() *Config {
	cfg := &Config{Scheduler: types.DefaultConfig()}
	cfg.Server.GRPCAddr = ":9090"
	cfg.Server.HTTPAddr = ":9091"
	cfg.Metrics.Enabled = true
	cfg.Modules.Watch = true
	return cfg
}

// loadConfig reads path over the defaults. With optional set a missing
// file yields the defaults.
func loadConfig(path string, optional bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if optional && errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

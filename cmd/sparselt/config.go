package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the sparselt configuration file (~/.config/sparselt/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Backend
	Backend          string   `yaml:"backend"`
	HostCapabilities []string `yaml:"host_capabilities"`
	HostMemory       *uint64  `yaml:"host_memory"`

	// Operator defaults
	Device    *int     `yaml:"device"`
	DType     string   `yaml:"dtype"`
	Order     string   `yaml:"order"`
	PruneAlg  string   `yaml:"prune_alg"`
	Compute   string   `yaml:"compute"`
	Alpha     *float64 `yaml:"alpha"`
	Beta      *float64 `yaml:"beta"`
	AlgConfig *int     `yaml:"alg_config"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// configPath is a seam for tests.
var configPath = func() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sparselt", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
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

func applyBackendConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if len(cfg.HostCapabilities) > 0 && !c.IsSet("host-capability") {
		hostCaps = cfg.HostCapabilities
	}
	if cfg.HostMemory != nil && !c.IsSet("host-memory") {
		hostMemory = *cfg.HostMemory
	}
}

// applySettingsConfig applies config file defaults to the operator settings
// when the corresponding CLI flag was not explicitly set.
func applySettingsConfig(c *cli.Command, cfg Config, s *settingsFlags) {
	if cfg.Device != nil && !c.IsSet("device") {
		s.Device = *cfg.Device
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		s.DType = cfg.DType
	}
	if cfg.Order != "" && !c.IsSet("order") {
		s.Order = cfg.Order
	}
	if cfg.PruneAlg != "" && !c.IsSet("prune-alg") {
		s.PruneAlg = cfg.PruneAlg
	}
	if cfg.Compute != "" && !c.IsSet("compute") {
		s.Compute = cfg.Compute
	}
	if cfg.Alpha != nil && !c.IsSet("alpha") {
		s.alpha = *cfg.Alpha
	}
	if cfg.Beta != nil && !c.IsSet("beta") {
		s.beta = *cfg.Beta
	}
	if cfg.AlgConfig != nil && !c.IsSet("alg-config") {
		s.AlgConfig = *cfg.AlgConfig
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

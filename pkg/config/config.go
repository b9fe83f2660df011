// Package config loads the YAML node configuration hobbesd starts from,
// following the same gopkg.in/yaml.v3-based pattern the teacher's
// cmd/warren/apply.go uses for resource files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the top-level configuration for one hobbesd process: the
// Master enclave on first boot, or a non-Master enclave's init task on
// subsequent ones.
type NodeConfig struct {
	DataDir   string `yaml:"dataDir"`
	NumCPUs   int    `yaml:"numCPUs"`
	NumBlocks int    `yaml:"numBlocks"`
	BlockSize uint64 `yaml:"blockSize"`
	NumaNodes int    `yaml:"numaNodes"`

	EnclaveID   uint64 `yaml:"enclaveID"`
	EnclaveName string `yaml:"enclaveName"`
	QueueName   string `yaml:"queueName"`
	QueueSize   uint64 `yaml:"queueSize"`

	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJSON"`
	MetricsAddr string `yaml:"metricsAddr"`

	BootTimeout time.Duration `yaml:"bootTimeout"`
}

// Default returns the configuration used when no file is given.
func Default() NodeConfig {
	return NodeConfig{
		DataDir:     "/var/lib/hobbes",
		NumCPUs:     1,
		NumBlocks:   1,
		BlockSize:   128 * 1024 * 1024,
		NumaNodes:   1,
		QueueName:   "master.hcq",
		QueueSize:   16 * 1024 * 1024,
		LogLevel:    "info",
		MetricsAddr: ":9090",
		BootTimeout: 2 * time.Second,
	}
}

// Load reads and parses a NodeConfig from path, filling in Default values
// for any field the file leaves zero.
func Load(path string) (NodeConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Package config provides configuration loading and management for volpatch.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"volpatch/pkg/grid"
	"volpatch/pkg/ndindex"
	"volpatch/pkg/quilt"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Grid parameters
	Grid struct {
		// PatchSize is the extent of one patch along each axis. Quilting
		// requires every entry to be odd.
		PatchSize []int `yaml:"patchSize" toml:"patchSize"`

		// Stride is the anchor spacing, one value for all axes or one per axis
		Stride []int `yaml:"stride" toml:"stride"`

		// StartOffset is the origin of the first anchor, one value or one per axis
		StartOffset []int `yaml:"startOffset" toml:"startOffset"`
	} `yaml:"grid" toml:"grid"`

	// Quilting parameters
	Quilt struct {
		// Reduce names the rule combining overlapping patches: mean, median, max or min
		Reduce string `yaml:"reduce" toml:"reduce"`

		// CheckCollisions enables the assertion that patches within one layer never overlap
		CheckCollisions bool `yaml:"checkCollisions" toml:"checkCollisions"`
	} `yaml:"quilt" toml:"quilt"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" toml:"numCores"`
	} `yaml:"processing" toml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// LogFile, if set, receives log output through a rotating writer
		LogFile string `yaml:"logFile" toml:"logFile"`

		// MaxLogSize is the size in megabytes at which the log file is rotated
		MaxLogSize int `yaml:"maxLogSize" toml:"maxLogSize"`

		// MaxLogAge is the number of days rotated log files are kept
		MaxLogAge int `yaml:"maxLogAge" toml:"maxLogAge"`
	} `yaml:"output" toml:"output"`

	// Demo parameters for the synthetic round trip
	Demo struct {
		// VolumeSize is the size of the generated volume
		VolumeSize []int `yaml:"volumeSize" toml:"volumeSize"`

		// Channels is the number of values per voxel
		Channels int `yaml:"channels" toml:"channels"`
	} `yaml:"demo" toml:"demo"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Grid.PatchSize = []int{5, 5, 5}
	cfg.Grid.Stride = []int{2}
	cfg.Grid.StartOffset = []int{0}

	cfg.Quilt.Reduce = "mean"
	cfg.Quilt.CheckCollisions = false

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Verbose = true
	cfg.Output.MaxLogSize = 100
	cfg.Output.MaxLogAge = 28

	cfg.Demo.VolumeSize = []int{64, 64, 32}
	cfg.Demo.Channels = 1

	return cfg
}

// Validate checks that the configuration describes a usable grid
func (c *Config) Validate() error {
	patch := ndindex.Shape(c.Grid.PatchSize)
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("grid.patchSize: %w", err)
	}
	for _, p := range patch {
		if p%2 == 0 {
			return fmt.Errorf("grid.patchSize: %w: %v has an even entry (must be odd)", grid.ErrInvalidConfiguration, patch)
		}
	}
	if _, err := ndindex.Broadcast(c.Grid.Stride, len(patch)); err != nil {
		return fmt.Errorf("grid.stride: %w", err)
	}
	for _, s := range c.Grid.Stride {
		if s <= 0 {
			return fmt.Errorf("grid.stride: values must be positive, got %v", c.Grid.Stride)
		}
	}
	if len(c.Grid.StartOffset) > 0 {
		if _, err := ndindex.Broadcast(c.Grid.StartOffset, len(patch)); err != nil {
			return fmt.Errorf("grid.startOffset: %w", err)
		}
		for _, o := range c.Grid.StartOffset {
			if o < 0 {
				return fmt.Errorf("grid.startOffset: values must be non-negative, got %v", c.Grid.StartOffset)
			}
		}
	}
	if _, err := quilt.ReducerByName(c.Quilt.Reduce); err != nil {
		return fmt.Errorf("quilt.reduce: %w", err)
	}
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("processing.numCores must be non-negative, got %d", c.Processing.NumCores)
	}
	if len(c.Demo.VolumeSize) > 0 && len(c.Demo.VolumeSize) != len(patch) {
		return fmt.Errorf("demo.volumeSize has %d axes, grid.patchSize has %d", len(c.Demo.VolumeSize), len(patch))
	}
	return nil
}

// QuiltOptions converts the quilting section into quilt.Options
func (c *Config) QuiltOptions() (*quilt.Options, error) {
	reduce, err := quilt.ReducerByName(c.Quilt.Reduce)
	if err != nil {
		return nil, err
	}
	return &quilt.Options{
		Workers:         c.Processing.NumCores,
		Reduce:          reduce,
		CheckCollisions: c.Quilt.CheckCollisions,
	}, nil
}

// isTOML reports whether the path names a TOML file
func isTOML(configPath string) bool {
	return strings.EqualFold(filepath.Ext(configPath), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file, chosen by extension
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

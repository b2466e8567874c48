// Package config loads the settings for the frame pacer, the sub-allocated buffer classes and the model
// loader from YAML, with an environment overlay.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/memutils"
	"gopkg.in/yaml.v3"
)

const (
	BufferVoxels    = "voxels"
	BufferModelInfo = "model_info"
	BufferBVH       = "bvh"
	BufferMaterials = "materials"
)

// BufferClass describes one backing buffer and the sub-allocator that leases blocks out of it
type BufferClass struct {
	Name      string `yaml:"name"`
	Size      int    `yaml:"size"`
	Alignment int    `yaml:"alignment"`
}

// Config is the complete set of settings
type Config struct {
	// RingSize is the number of frames that may be in flight at once
	RingSize int `yaml:"ring_size"`
	// Buffers are the buffer classes to create, in order
	Buffers []BufferClass `yaml:"buffers"`
	// LoaderWorkers is the number of models that may be uploaded concurrently
	LoaderWorkers int `yaml:"loader_workers"`
	// LogLevel is the minimum level that is logged
	LogLevel LogLevel `yaml:"log_level"`
}

// Default is the configuration used when no file is provided
func Default() Config {
	return Config{
		RingSize: 3,
		Buffers: []BufferClass{
			{Name: BufferVoxels, Size: 64 << 20, Alignment: 16},
			{Name: BufferModelInfo, Size: 1 << 20, Alignment: 16},
			{Name: BufferBVH, Size: 32 << 20, Alignment: 16},
			{Name: BufferMaterials, Size: 4 << 20, Alignment: 4},
		},
		LoaderWorkers: 4,
		LogLevel:      LogLevel{Level: slog.LevelInfo},
	}
}

// Load reads and validates a YAML configuration file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid config file %s", path)
	}

	return cfg, nil
}

// Parse decodes and validates YAML configuration. Settings that are left out keep their defaults. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	err := decoder.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var err error

	if c.RingSize < 1 {
		err = errors.CombineErrors(err, errors.Newf("ring_size must be at least 1, got %d", c.RingSize))
	}
	if c.LoaderWorkers < 1 {
		err = errors.CombineErrors(err, errors.Newf("loader_workers must be at least 1, got %d", c.LoaderWorkers))
	}
	if len(c.Buffers) == 0 {
		err = errors.CombineErrors(err, errors.New("at least one buffer class is required"))
	}

	names := make(map[string]struct{}, len(c.Buffers))
	for index, buffer := range c.Buffers {
		if buffer.Name == "" {
			err = errors.CombineErrors(err, errors.Newf("buffer %d has no name", index))
		} else if _, duplicate := names[buffer.Name]; duplicate {
			err = errors.CombineErrors(err, errors.Newf("buffer %s is listed more than once", buffer.Name))
		}
		names[buffer.Name] = struct{}{}

		if buffer.Size <= 0 {
			err = errors.CombineErrors(err, errors.Newf("buffer %s must have a positive size, got %d", buffer.Name, buffer.Size))
		}

		alignErr := memutils.CheckPow2(buffer.Alignment, "buffer "+buffer.Name+" alignment")
		if alignErr != nil {
			err = errors.CombineErrors(err, alignErr)
		}
	}

	return err
}

// Buffer returns the named buffer class
func (c Config) Buffer(name string) (BufferClass, bool) {
	for _, buffer := range c.Buffers {
		if buffer.Name == name {
			return buffer, true
		}
	}

	return BufferClass{}, false
}

// Logger creates a JSON logger writing to w at the configured level
func (c Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: c.LogLevel.Level,
	}))
}

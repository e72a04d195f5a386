// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// CommandPoolConfig sizes the command pool.
type CommandPoolConfig struct {
	// InitialSize is the number of command buffers created up front.
	InitialSize uint32 `toml:"initial_size" yaml:"initial_size"`
	// BatchSize is how many buffers are added when the pool runs dry.
	BatchSize uint32 `toml:"batch_size" yaml:"batch_size"`
}

// DescriptorPoolConfig bounds the descriptor sets handed out per cycle.
type DescriptorPoolConfig struct {
	MaxSets        uint32 `toml:"max_sets" yaml:"max_sets"`
	UniformBuffers uint32 `toml:"uniform_buffers" yaml:"uniform_buffers"`
	StorageBuffers uint32 `toml:"storage_buffers" yaml:"storage_buffers"`
	SampledImages  uint32 `toml:"sampled_images" yaml:"sampled_images"`
	StorageImages  uint32 `toml:"storage_images" yaml:"storage_images"`
	// PileSize is how many sets are prepared at once per layout.
	PileSize uint32 `toml:"pile_size" yaml:"pile_size"`
}

// QueryPoolConfig sizes the timestamp query pool.
type QueryPoolConfig struct {
	MaxQueries uint32 `toml:"max_queries" yaml:"max_queries"`
	// InitialReserveSize is the initial capacity of the dispatch log.
	InitialReserveSize uint32 `toml:"initial_reserve_size" yaml:"initial_reserve_size"`
}

// ContextConfig is the immutable configuration of a Context.
type ContextConfig struct {
	// SubmitFrequency is the number of dispatches batched into one command
	// buffer before it is submitted. Must be at least 1.
	SubmitFrequency uint32               `toml:"submit_frequency" yaml:"submit_frequency"`
	CommandPool     CommandPoolConfig    `toml:"command_pool" yaml:"command_pool"`
	DescriptorPool  DescriptorPoolConfig `toml:"descriptor_pool" yaml:"descriptor_pool"`
	QueryPool       QueryPoolConfig      `toml:"query_pool" yaml:"query_pool"`
}

// DefaultContextConfig returns the configuration used by Default.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		SubmitFrequency: 16,
		CommandPool: CommandPoolConfig{
			InitialSize: 32,
			BatchSize:   8,
		},
		DescriptorPool: DescriptorPoolConfig{
			MaxSets:        1024,
			UniformBuffers: 1024,
			StorageBuffers: 1024,
			SampledImages:  1024,
			StorageImages:  1024,
			PileSize:       32,
		},
		QueryPool: QueryPoolConfig{
			MaxQueries:         4096,
			InitialReserveSize: 256,
		},
	}
}

// Validate reports the first invalid field.
func (c ContextConfig) Validate() error {
	switch {
	case c.SubmitFrequency == 0:
		return fmt.Errorf("%w: submit_frequency must be at least 1", ErrInvalidConfig)
	case c.CommandPool.BatchSize == 0:
		return fmt.Errorf("%w: command_pool.batch_size must be at least 1", ErrInvalidConfig)
	case c.DescriptorPool.MaxSets == 0:
		return fmt.Errorf("%w: descriptor_pool.max_sets must be at least 1", ErrInvalidConfig)
	case c.QueryPool.MaxQueries < 2:
		return fmt.Errorf("%w: query_pool.max_queries must be at least 2", ErrInvalidConfig)
	case c.QueryPool.MaxQueries%2 != 0:
		return fmt.Errorf("%w: query_pool.max_queries must be even", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads a TOML or YAML file, chosen by extension, over the
// defaults. Fields missing from the file keep their default values.
func LoadConfig(path string) (ContextConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContextConfig{}, fmt.Errorf("compute: load config: %w", err)
	}
	return ParseConfig(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseConfig decodes data in the given format ("toml", "yaml" or "yml")
// over the defaults and validates the result.
func ParseConfig(data []byte, format string) (ContextConfig, error) {
	cfg := DefaultContextConfig()
	format = strings.ToLower(format)
	switch format {
	case "toml", "yaml", "yml":
	default:
		return ContextConfig{}, fmt.Errorf("%w: unknown config format %q", ErrInvalidConfig, format)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	switch format {
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return ContextConfig{}, fmt.Errorf("compute: parse toml config: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return ContextConfig{}, fmt.Errorf("compute: parse yaml config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return ContextConfig{}, err
	}
	return cfg, nil
}

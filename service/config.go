// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import "time"

// Default configuration values.
const (
	// DefaultSliceCommands is the number of commands one command buffer may
	// run before the scheduler moves on.
	DefaultSliceCommands = 256

	// DefaultIdleWaitTimeout bounds one idle wait for the queue.
	DefaultIdleWaitTimeout = 100 * time.Millisecond

	// DefaultMaxTransferBufferSize bounds shared regions.
	DefaultMaxTransferBufferSize = 64 << 20

	// DefaultMaxBucketSize bounds a bucket.
	DefaultMaxBucketSize = 16 << 20

	// DefaultShaderCacheSize is the number of compiled shaders kept.
	DefaultShaderCacheSize = 64

	// DefaultMaxDeviceMemory is the device memory budget (256 MB).
	DefaultMaxDeviceMemory = 256 << 20
)

// Config configures a [Service]. Zero fields take defaults.
type Config struct {
	// SliceCommands is the number of commands one command buffer may run
	// per scheduler turn.
	SliceCommands int

	// IdleWaitTimeout bounds how long the idle scheduler polls the queue
	// while queries are pending and no command buffer has work.
	IdleWaitTimeout time.Duration

	// MaxTransferBufferSize bounds the size of one shared region.
	MaxTransferBufferSize uint32

	// MaxBucketSize bounds the size of one bucket.
	MaxBucketSize uint32

	// ShaderCacheSize is the soft limit of the compiled shader cache.
	ShaderCacheSize int

	// MaxDeviceMemory bounds the bytes held by buffers and textures of
	// every share group. Allocations past it fail with an out of memory
	// error.
	MaxDeviceMemory uint64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SliceCommands:         DefaultSliceCommands,
		IdleWaitTimeout:       DefaultIdleWaitTimeout,
		MaxTransferBufferSize: DefaultMaxTransferBufferSize,
		MaxBucketSize:         DefaultMaxBucketSize,
		ShaderCacheSize:       DefaultShaderCacheSize,
		MaxDeviceMemory:       DefaultMaxDeviceMemory,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SliceCommands <= 0 {
		c.SliceCommands = d.SliceCommands
	}
	if c.IdleWaitTimeout <= 0 {
		c.IdleWaitTimeout = d.IdleWaitTimeout
	}
	if c.MaxTransferBufferSize == 0 {
		c.MaxTransferBufferSize = d.MaxTransferBufferSize
	}
	if c.MaxBucketSize == 0 {
		c.MaxBucketSize = d.MaxBucketSize
	}
	if c.ShaderCacheSize <= 0 {
		c.ShaderCacheSize = d.ShaderCacheSize
	}
	if c.MaxDeviceMemory == 0 {
		c.MaxDeviceMemory = d.MaxDeviceMemory
	}
	return c
}

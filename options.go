// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdbuf

import (
	"github.com/gogpu/cmdbuf/client"
	"github.com/gogpu/cmdbuf/internal/shm"
	"github.com/gogpu/cmdbuf/service"
)

// Option configures a Factory during creation.
//
// Example:
//
//	f, err := cmdbuf.NewFactory(device, queue,
//	    cmdbuf.WithServiceConfig(service.Config{SliceCommands: 64}))
type Option func(*factoryOptions)

// factoryOptions holds optional configuration for Factory creation.
type factoryOptions struct {
	service  service.Config
	registry *shm.Registry
	limits   client.SharedMemoryLimits
}

// defaultOptions returns the default factory options.
func defaultOptions() factoryOptions {
	return factoryOptions{
		service: service.DefaultConfig(),
	}
}

// WithServiceConfig sets the scheduler and decoder configuration. Zero fields
// take the service defaults.
func WithServiceConfig(cfg service.Config) Option {
	return func(o *factoryOptions) {
		o.service = cfg
	}
}

// WithSharedMemoryLimits sets the default shared memory limits of the
// contexts the factory creates.
func WithSharedMemoryLimits(limits client.SharedMemoryLimits) Option {
	return func(o *factoryOptions) {
		o.limits = limits
	}
}

// withRegistry makes the service map regions in r instead of a private
// registry.
func withRegistry(r *shm.Registry) Option {
	return func(o *factoryOptions) {
		o.registry = r
	}
}

// ContextOption configures a Context during creation.
//
// Example:
//
//	// A context of its own share group
//	a, _ := f.CreateContext()
//
//	// A second context sharing a's objects
//	b, _ := f.CreateContext(cmdbuf.ShareWith(a))
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	shareWith   *Context
	groupName   string
	groupConfig client.ShareGroupConfig
	config      client.ContextConfig
	limitsSet   bool
}

func defaultContextOptions() contextOptions {
	return contextOptions{
		groupConfig: client.DefaultShareGroupConfig(),
	}
}

// ShareWith makes the new context a member of ctx's share group. Objects
// created by one member are visible to every other.
func ShareWith(ctx *Context) ContextOption {
	return func(o *contextOptions) {
		o.shareWith = ctx
	}
}

// WithShareGroup joins the share group registered under name, creating it
// when no member is alive.
func WithShareGroup(name string) ContextOption {
	return func(o *contextOptions) {
		o.groupName = name
	}
}

// WithGlobalShareGroup joins the process-wide global share group.
func WithGlobalShareGroup() ContextOption {
	return WithShareGroup(client.GlobalShareGroupName)
}

// WithShareGroupConfig sets the ID strategies of a newly created share group.
// It is ignored when the context joins an existing group.
func WithShareGroupConfig(cfg client.ShareGroupConfig) ContextOption {
	return func(o *contextOptions) {
		o.groupConfig = cfg
	}
}

// WithLimits overrides the factory's shared memory limits for one context.
func WithLimits(limits client.SharedMemoryLimits) ContextOption {
	return func(o *contextOptions) {
		o.config.Limits = limits
		o.limitsSet = true
	}
}

// WithoutAutomaticFlushes stops the context from flushing on its own.
func WithoutAutomaticFlushes() ContextOption {
	return func(o *contextOptions) {
		o.config.DisableAutomaticFlushes = true
	}
}

// WithDebugChecks makes the context panic when two goroutines use it at
// once.
func WithDebugChecks() ContextOption {
	return func(o *contextOptions) {
		o.config.DebugChecks = true
	}
}

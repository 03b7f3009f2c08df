// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdbuf

import (
	"testing"

	"github.com/gogpu/cmdbuf/client"
	"github.com/gogpu/cmdbuf/internal/shm"
	"github.com/gogpu/cmdbuf/service"
)

// TestDefaultOptions tests that a factory without options uses the service
// defaults.
func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.service != service.DefaultConfig() {
		t.Errorf("service config = %+v, want defaults", o.service)
	}
	if o.registry != nil {
		t.Error("registry should be nil so the service creates its own")
	}
}

// TestFactoryOptions tests that factory options are applied in order.
func TestFactoryOptions(t *testing.T) {
	r := shm.NewRegistry()
	defer func() { _ = r.Close() }()

	limits := testLimits()
	o := defaultOptions()
	for _, opt := range []Option{
		WithServiceConfig(service.Config{SliceCommands: 3}),
		WithSharedMemoryLimits(limits),
		withRegistry(r),
	} {
		opt(&o)
	}

	if o.service.SliceCommands != 3 {
		t.Errorf("SliceCommands = %d, want 3", o.service.SliceCommands)
	}
	if o.limits != limits {
		t.Errorf("limits = %+v, want %+v", o.limits, limits)
	}
	if o.registry != r {
		t.Error("registry not applied")
	}
}

// TestServiceConfigZeroFieldsTakeDefaults tests that a partial service
// config reaches the service with defaults filled in.
func TestServiceConfigZeroFieldsTakeDefaults(t *testing.T) {
	f := newTestFactory(t, WithServiceConfig(service.Config{SliceCommands: 5}))
	cfg := f.Service().Config()
	if cfg.SliceCommands != 5 {
		t.Errorf("SliceCommands = %d, want 5", cfg.SliceCommands)
	}
	if cfg.MaxBucketSize != service.DefaultMaxBucketSize {
		t.Errorf("MaxBucketSize = %d, want %d", cfg.MaxBucketSize, service.DefaultMaxBucketSize)
	}
}

func TestContextOptions(t *testing.T) {
	limits := testLimits()
	cfg := client.ShareGroupConfig{BindGeneratesResource: false}

	tests := []struct {
		name  string
		opts  []ContextOption
		check func(t *testing.T, o contextOptions)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, o contextOptions) {
				if !o.groupConfig.BindGeneratesResource || o.groupConfig.Policies != nil {
					t.Errorf("groupConfig = %+v, want defaults", o.groupConfig)
				}
				if o.limitsSet || o.config.DisableAutomaticFlushes || o.config.DebugChecks {
					t.Errorf("unexpected non-default options %+v", o)
				}
			},
		},
		{
			name: "global group",
			opts: []ContextOption{WithGlobalShareGroup()},
			check: func(t *testing.T, o contextOptions) {
				if o.groupName != client.GlobalShareGroupName {
					t.Errorf("groupName = %q, want %q", o.groupName, client.GlobalShareGroupName)
				}
			},
		},
		{
			name: "named group with config",
			opts: []ContextOption{WithShareGroup("ui"), WithShareGroupConfig(cfg)},
			check: func(t *testing.T, o contextOptions) {
				if o.groupName != "ui" || o.groupConfig.BindGeneratesResource != cfg.BindGeneratesResource {
					t.Errorf("group = %q %+v", o.groupName, o.groupConfig)
				}
			},
		},
		{
			name: "limits and flags",
			opts: []ContextOption{WithLimits(limits), WithoutAutomaticFlushes(), WithDebugChecks()},
			check: func(t *testing.T, o contextOptions) {
				if !o.limitsSet || o.config.Limits != limits {
					t.Errorf("limits = %+v (set %v)", o.config.Limits, o.limitsSet)
				}
				if !o.config.DisableAutomaticFlushes || !o.config.DebugChecks {
					t.Errorf("flags = %+v", o.config)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultContextOptions()
			for _, opt := range tt.opts {
				opt(&o)
			}
			tt.check(t, o)
		})
	}
}

// TestWithoutAutomaticFlushes tests that a context created without
// automatic flushes still completes work on Finish.
func TestWithoutAutomaticFlushes(t *testing.T) {
	f := newTestFactory(t)
	c := newTestContext(t, f, WithoutAutomaticFlushes())

	buf := c.GenBuffers(1)[0]
	c.BindBuffer(TargetArrayBuffer, buf)
	c.BufferData(TargetArrayBuffer, 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}, UsageStaticDraw)
	wantNoError(t, c)

	got, ok := c.CommandBuffer().ReadBuffer(buf)
	if !ok || len(got) != 8 || got[7] != 8 {
		t.Errorf("ReadBuffer = %v, %v", got, ok)
	}
}

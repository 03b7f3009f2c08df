// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/cmdbuf/client"
	"github.com/gogpu/cmdbuf/service"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrFactoryClosed is returned when creating a context on a closed
	// factory.
	ErrFactoryClosed = errors.New("cmdbuf: factory closed")

	// ErrNoHALProvider is returned when a device provider does not expose
	// its HAL device and queue.
	ErrNoHALProvider = errors.New("cmdbuf: provider does not expose HAL types")

	// ErrForeignContext is returned when ShareWith names a context of
	// another factory or a destroyed context.
	ErrForeignContext = errors.New("cmdbuf: context cannot be shared with")
)

// Factory runs one service on a device and creates client contexts
// connected to it.
//
// Factory is safe for concurrent use.
type Factory struct {
	svc    *service.Service
	groups *client.ShareGroupRegistry
	opts   factoryOptions

	cancel context.CancelFunc
	eg     *errgroup.Group

	mu       sync.Mutex
	contexts map[*Context]struct{}
	closed   bool
}

// NewFactory creates a factory over device and queue and starts the
// service scheduler. The factory does not take ownership of the device.
func NewFactory(device hal.Device, queue hal.Queue, opts ...Option) (*Factory, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svc, err := service.New(device, queue, o.registry, o.service)
	if err != nil {
		return nil, fmt.Errorf("cmdbuf: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return svc.Run(ctx) })

	f := &Factory{
		svc:      svc,
		groups:   client.NewShareGroupRegistry(),
		opts:     o,
		cancel:   cancel,
		eg:       eg,
		contexts: make(map[*Context]struct{}),
	}
	slogger().Info("factory started", slog.Int("slice_commands", svc.Config().SliceCommands))
	return f, nil
}

// NewFactoryFromProvider creates a factory over the device of an external
// provider such as a gogpu application. The provider must also implement
// HalDevice() any and HalQueue() any returning hal.Device and hal.Queue.
func NewFactoryFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Factory, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALProvider)
	}
	return NewFactory(device, queue, opts...)
}

// Service returns the service executing the factory's contexts.
func (f *Factory) Service() *service.Service { return f.svc }

// ShareGroups returns the registry of named share groups.
func (f *Factory) ShareGroups() *client.ShareGroupRegistry { return f.groups }

// Contexts returns the number of live contexts.
func (f *Factory) Contexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contexts)
}

// CreateContext creates a context and its service-side command buffer.
func (f *Factory) CreateContext(opts ...ContextOption) (*Context, error) {
	o := defaultContextOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !o.limitsSet {
		o.config.Limits = f.opts.limits
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}

	group, err := f.joinGroupLocked(o)
	if err != nil {
		return nil, err
	}
	stub, err := f.svc.NewCommandBuffer(group.ID())
	if err != nil {
		group.Release()
		return nil, fmt.Errorf("cmdbuf: %w", err)
	}
	cc, err := client.NewContext(stub, group, o.config)
	if err != nil {
		stub.Destroy()
		group.Release()
		return nil, fmt.Errorf("cmdbuf: %w", err)
	}

	c := &Context{Context: cc, stub: stub, factory: f}
	f.contexts[c] = struct{}{}
	slogger().Debug("context created",
		slog.Uint64("share_group", group.ID()),
		slog.String("name", group.Name()))
	return c, nil
}

// joinGroupLocked returns the share group of a new context with a member
// reference taken. Caller must hold f.mu.
func (f *Factory) joinGroupLocked(o contextOptions) (*client.ShareGroup, error) {
	switch {
	case o.shareWith != nil:
		if _, ok := f.contexts[o.shareWith]; !ok {
			return nil, ErrForeignContext
		}
		g := o.shareWith.ShareGroup()
		g.AddRef()
		return g, nil
	case o.groupName != "":
		return f.groups.Join(o.groupName, o.groupConfig), nil
	default:
		g := client.NewShareGroup(o.groupConfig)
		g.AddRef()
		return g, nil
	}
}

// remove forgets c. It reports whether c was live.
func (f *Factory) remove(c *Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts[c]; !ok {
		return false
	}
	delete(f.contexts, c)
	return true
}

// Close destroys every live context, stops the scheduler and releases the
// service's device resources. It is idempotent.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	live := make([]*Context, 0, len(f.contexts))
	for c := range f.contexts {
		live = append(live, c)
	}
	f.mu.Unlock()

	// Lose the contexts first so Destroy does not wait on a stopped
	// scheduler.
	f.cancel()
	runErr := f.eg.Wait()
	for _, c := range live {
		c.Destroy()
	}
	closeErr := f.svc.Close()
	slogger().Info("factory closed", slog.Int("contexts", len(live)))
	return errors.Join(runErr, closeErr)
}

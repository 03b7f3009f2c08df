// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cmdbuf connects GPU-API clients to a service that executes their
// commands on a HAL device, without a round trip per call.
//
// # Overview
//
// Each client context writes commands into a ring buffer in shared memory
// and flushes the put offset. The service reads the ring on its own
// goroutine, executes the commands against the device and publishes its
// progress (get offset, token, error state) in a shared state block. Bulk
// data moves through transfer buffers and mapped memory. Contexts of one
// share group see the same buffers, textures and programs.
//
// # Quick Start
//
//	f, err := cmdbuf.NewFactory(device, queue)
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	ctx, err := f.CreateContext()
//	if err != nil {
//	    return err
//	}
//	defer ctx.Destroy()
//
//	buf := ctx.GenBuffers(1)[0]
//	ctx.BindBuffer(cmdbuf.TargetArrayBuffer, buf)
//	ctx.BufferData(cmdbuf.TargetArrayBuffer, uint32(len(vertices)), vertices, cmdbuf.UsageStaticDraw)
//	if err := ctx.Finish(); err != nil {
//	    return err
//	}
//
// # Architecture
//
// The module is organized into:
//   - cmdbuf: Factory wiring clients to a service, logger, options
//   - client: command helper, allocators, ID namespaces, queries, Context
//   - service: scheduler, command decoder, resource tables on hal.Device
//   - internal/protocol: command headers, opcodes, shared records
//   - internal/shm: shared memory regions
//
// # Logging
//
// cmdbuf is silent by default. Call [SetLogger] with a [log/slog] logger to
// enable output from every package.
package cmdbuf

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package service is the in-process service side of the command buffer
// protocol.
//
// A [Service] owns a HAL device and queue and runs one scheduler goroutine.
// Every client context talks to a [CommandBufferStub], which implements
// client.CommandBuffer: flushes queue on the scheduler, which parses up to
// Config.SliceCommands commands per turn so that no command buffer starves
// the others. Commands are decoded against resource tables shared by all
// stubs of one share group, and the flushes of a share group run in the
// order they arrived.
//
// Buffers and textures are backed by HAL resources and keep a CPU shadow of
// their contents, which ReadBuffer and ReadTexture return. Shaders are WGSL,
// compiled with naga to SPIR-V; compiled modules are cached by source.
// Stores count against Config.MaxDeviceMemory; an allocation past it fails
// with an out of memory error and leaves the previous store in place.
//
// Queries complete once the queue finished the submit that followed their
// End.
// Failures the protocol cannot recover from (malformed commands, a lost
// device, shutdown) lose the context: the loss is published in the shared
// state and every waiter returns.
package service

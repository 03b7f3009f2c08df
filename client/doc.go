// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package client implements the client half of the command-buffer protocol.
//
// A [CommandBufferHelper] serializes commands into a ring buffer shared with
// the service and synchronizes with it through tokens and flushes. Bulk data
// travels through a [TransferBuffer] and a [MappedMemoryManager], both backed
// by shared memory regions whose (shm id, offset) pairs are embedded in the
// commands. Resource IDs are allocated on the client by an [IDHandler] owned
// by a [ShareGroup], so several contexts can name the same service resources.
//
// [Context] is a thin GPU-API front end that drives all of the above with one
// representative command per resource kind. A Context is single-caller: it
// must not be used from two goroutines at once. ShareGroups and their ID
// handlers are safe for concurrent use.
package client

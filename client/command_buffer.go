// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

// CommandBuffer is the client's view of the service side of one command
// buffer. Offsets are in ring buffer words.
//
// All methods must return promptly once the context is lost: waits report
// the lost state instead of blocking.
type CommandBuffer interface {
	// LastState returns the most recently published service state without
	// blocking.
	LastState() protocol.State

	// Flush makes commands up to putOffset visible to the service.
	Flush(putOffset int32)

	// WaitForTokenInRange blocks until the service token is within
	// [start, end] or the context is lost.
	WaitForTokenInRange(start, end int32) protocol.State

	// WaitForGetOffsetInRange blocks until the get offset of the ring
	// installed by the given SetGetBuffer call is within [start, end]
	// (wrapping when start > end) or the context is lost.
	WaitForGetOffsetInRange(setGetBufferCount uint32, start, end int32) protocol.State

	// SetGetBuffer installs the region shmID as the ring buffer and resets
	// the get and put offsets to 0.
	SetGetBuffer(shmID int32)

	// CreateTransferBuffer maps a new shared region of size bytes.
	CreateTransferBuffer(size uint32) (*shm.Region, error)

	// DestroyTransferBuffer unmaps a region created by CreateTransferBuffer.
	// The caller guarantees the service no longer reads it.
	DestroyTransferBuffer(shmID int32)
}


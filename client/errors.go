// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "errors"

// Client errors.
var (
	// ErrContextLost is returned by every blocking call once the service has
	// lost the context. Loss is permanent.
	ErrContextLost = errors.New("client: context lost")

	// ErrOutOfMemory is returned when shared memory cannot be allocated.
	// The caller may retry after outstanding work retires.
	ErrOutOfMemory = errors.New("client: out of shared memory")

	// ErrCommandTooLarge is returned when a command cannot fit in the ring.
	ErrCommandTooLarge = errors.New("client: command larger than ring buffer")

	// ErrNotInitialized is returned when the helper has no ring buffer.
	ErrNotInitialized = errors.New("client: command buffer not initialized")

	// ErrInvalidConfig is returned for inconsistent size limits.
	ErrInvalidConfig = errors.New("client: invalid configuration")
)

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import "errors"

// Service errors.
var (
	// ErrClosed is returned once Close was called.
	ErrClosed = errors.New("service: closed")

	// ErrAlreadyRunning is returned when Run is called while a scheduler
	// is already running.
	ErrAlreadyRunning = errors.New("service: scheduler already running")

	// ErrNoDevice is returned when the service is created without a device
	// or queue.
	ErrNoDevice = errors.New("service: device and queue are required")

	// ErrContextLost is returned for requests on a lost context.
	ErrContextLost = errors.New("service: context lost")

	// ErrRegionTooLarge is returned when a transfer buffer exceeds
	// Config.MaxTransferBufferSize.
	ErrRegionTooLarge = errors.New("service: shared region too large")
)

// Decoding errors. They never leave the package: a command failing with one
// of them loses its context.
var (
	errParse         = errors.New("service: malformed command")
	errUnknownOpcode = errors.New("service: unknown opcode")
	errBadMemory     = errors.New("service: invalid shared memory reference")
)

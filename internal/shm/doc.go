// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shm provides the shared memory regions that carry the command ring,
// transfer buffers and synchronization records between a client and the GPU
// service.
//
// Each [Region] is a single mapping identified by a positive int32 shm id.
// On Linux a region is backed by a memfd mapped MAP_SHARED, so the file
// descriptor can be handed to another process. Elsewhere a region is plain
// 8-byte aligned heap memory, which is enough for an in-process service.
//
// A [Registry] hands out shm ids and resolves (shm id, offset, size) triples
// into byte slices with bounds checking. Both sides of the protocol address
// shared memory only through such triples.
package shm

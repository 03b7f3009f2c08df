// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package shm

import "unsafe"

// mapMemory falls back to heap memory. Backing the bytes with uint64 words
// keeps the base 8-byte aligned for atomic access to 64-bit fields.
func mapMemory(size int) ([]byte, int, func() error, error) {
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return mem, -1, nil, nil
}

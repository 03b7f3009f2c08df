// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapMemory creates an anonymous memfd of the requested size and maps it
// shared, so the descriptor can be passed to a service process.
func mapMemory(size int) ([]byte, int, func() error, error) {
	fd, err := unix.MemfdCreate("cmdbuf", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, -1, nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, -1, nil, fmt.Errorf("shm: ftruncate %d: %w", size, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, -1, nil, fmt.Errorf("shm: mmap %d: %w", size, err)
	}
	release := func() error {
		if err := unix.Munmap(mem); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("shm: munmap: %w", err)
		}
		return unix.Close(fd)
	}
	return mem, fd, release, nil
}

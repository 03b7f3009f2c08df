// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package protocol defines the command-buffer wire format shared by the
// client and the service: command headers, opcodes, enums, the shared state
// block and the QuerySync records.
//
// Every command is a run of 32-bit words. The first word is a [Header]
// carrying the opcode and the total size in words; the remaining words are
// the opcode's fixed arguments, optionally followed by immediate data.
package protocol

import "fmt"

const (
	// WordSize is the size of one ring buffer entry in bytes.
	WordSize = 4

	// MaxCommandSize is the largest command, header included, in words.
	MaxCommandSize = 1<<21 - 1

	// MaxOpcode is the largest encodable opcode.
	MaxOpcode = 1<<11 - 1

	// InvalidShmID is the shared memory id argument of a command that
	// carries no data. It is the wire encoding of shm.InvalidID (-1).
	InvalidShmID uint32 = 0xFFFFFFFF
)

// Header is the first word of a command: size:21 | opcode:11.
type Header uint32

// MakeHeader packs an opcode and a size in words.
func MakeHeader(op Opcode, size uint32) Header {
	return Header(size&MaxCommandSize | uint32(op)<<21)
}

// Size returns the command size in words, header included.
func (h Header) Size() uint32 {
	return uint32(h) & MaxCommandSize
}

// Opcode returns the command opcode.
func (h Header) Opcode() Opcode {
	return Opcode(uint32(h) >> 21)
}

// String returns a debug representation of the header.
func (h Header) String() string {
	return fmt.Sprintf("%s[%d]", h.Opcode(), h.Size())
}

// WordsForBytes returns the number of words needed to hold n bytes.
func WordsForBytes(n uint32) uint32 {
	return (n + WordSize - 1) / WordSize
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

// sliceResult is the outcome of one scheduler turn of a command buffer.
type sliceResult struct {
	get      int32
	token    int32
	commands int
	lost     protocol.LostReason
}

// run parses and executes commands from ring starting at get, stopping at
// put or after limit commands. A malformed command stops parsing and loses
// the context.
func (d *decoder) run(ring []uint32, get, put int32, limit int) sliceResult {
	entries := int32(len(ring)) //nolint:gosec // ring sizes fit int32
	res := sliceResult{get: get}
	for res.get != put && res.commands < limit {
		h := protocol.Header(ring[res.get])
		size := int32(h.Size()) //nolint:gosec // 21 bits
		op := h.Opcode()
		if size == 0 || res.get+size > entries {
			d.logLost(op, res.get, fmt.Errorf("%w: %d words at offset %d", errParse, size, res.get))
			res.lost = protocol.LostReasonParseError
			break
		}
		if err := d.execute(op, ring[res.get+1:res.get+size]); err != nil {
			d.logLost(op, res.get, err)
			res.lost = protocol.LostReasonParseError
			break
		}
		d.commands++
		res.commands++
		res.get += size
		if res.get == entries {
			res.get = 0
		}
	}
	d.flushUploads()
	res.token = d.token
	return res
}

func (d *decoder) logLost(op protocol.Opcode, offset int32, err error) {
	slogger().Warn("command buffer lost",
		slog.String("op", op.String()),
		slog.Int("offset", int(offset)),
		slog.String("error", err.Error()))
}

// execute runs one command. args excludes the header word.
func (d *decoder) execute(op protocol.Opcode, args []uint32) error {
	if _, ok := protocol.Lookup(op); !ok {
		return fmt.Errorf("%w: %v", errUnknownOpcode, op)
	}
	if !protocol.ValidSize(op, uint32(len(args))+1) { //nolint:gosec // bounded by ring size
		return fmt.Errorf("%w: %v with %d argument words", errParse, op, len(args))
	}
	if op.IsCommon() {
		return d.executeCommon(op, args)
	}
	return d.executeAPI(op, args)
}

// executeCommon runs the commands every service understands.
func (d *decoder) executeCommon(op protocol.Opcode, args []uint32) error {
	switch op {
	case protocol.OpNoop:
		return nil
	case protocol.OpSetToken:
		d.token = int32(args[0]) //nolint:gosec // wire value
		return nil
	case protocol.OpSetBucketSize:
		return d.setBucketSize(args[0], args[1])
	case protocol.OpSetBucketData:
		src, err := d.bytes(args[3], args[4], args[2])
		if err != nil {
			return err
		}
		return d.setBucketData(args[0], args[1], src)
	case protocol.OpSetBucketDataImmediate:
		size := args[2]
		data := args[3:]
		if protocol.WordsForBytes(size) > uint32(len(data)) { //nolint:gosec // bounded by ring size
			return fmt.Errorf("%w: immediate bucket data of %d bytes in %d words", errParse, size, len(data))
		}
		return d.setBucketData(args[0], args[1], shm.Bytes(data)[:size])
	case protocol.OpGetBucketStart:
		return d.getBucketStart(args[0], args[1], args[2], args[3], args[4], args[5])
	case protocol.OpGetBucketData:
		return d.getBucketData(args[0], args[1], args[2], args[3], args[4])
	}
	return fmt.Errorf("%w: %v", errUnknownOpcode, op)
}

// === Buckets ===

func (d *decoder) setBucketSize(bucket, size uint32) error {
	if size > d.cfg.MaxBucketSize {
		return fmt.Errorf("%w: bucket of %d bytes", errParse, size)
	}
	if size == 0 {
		delete(d.buckets, bucket)
		return nil
	}
	d.buckets[bucket] = make([]byte, size)
	return nil
}

func (d *decoder) setBucketData(bucket, offset uint32, src []byte) error {
	b, ok := d.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: bucket %d not sized", errParse, bucket)
	}
	if uint64(offset)+uint64(len(src)) > uint64(len(b)) {
		return fmt.Errorf("%w: %d bytes at %d overflow bucket %d", errParse, len(src), offset, bucket)
	}
	copy(b[offset:], src)
	return nil
}

// getBucketStart reports the size of bucket in the result area and copies
// as much of its contents as fits into the data block.
func (d *decoder) getBucketStart(bucket, resultShm, resultOff, dataSize, dataShm, dataOff uint32) error {
	result, err := d.words(resultShm, resultOff, 1)
	if err != nil {
		return err
	}
	b := d.buckets[bucket]
	result[0] = uint32(len(b)) //nolint:gosec // bounded by MaxBucketSize
	if dataSize == 0 || len(b) == 0 {
		return nil
	}
	dst, err := d.bytes(dataShm, dataOff, dataSize)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (d *decoder) getBucketData(bucket, offset, size, shmID, shmOff uint32) error {
	b, ok := d.buckets[bucket]
	if !ok || uint64(offset)+uint64(size) > uint64(len(b)) {
		return fmt.Errorf("%w: read of %d bytes at %d from bucket %d", errParse, size, offset, bucket)
	}
	dst, err := d.bytes(shmID, shmOff, size)
	if err != nil {
		return err
	}
	copy(dst, b[offset:offset+size])
	return nil
}

// === Shared memory ===

// bytes resolves a shared memory reference.
func (d *decoder) bytes(shmID, offset, size uint32) ([]byte, error) {
	b, err := d.shms.Slice(int32(shmID), offset, size) //nolint:gosec // wire encoding
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadMemory, err)
	}
	return b, nil
}

// optionalBytes resolves a reference that may be absent: an invalid shm id
// yields nil data.
func (d *decoder) optionalBytes(shmID, offset, size uint32) ([]byte, error) {
	if shmID == protocol.InvalidShmID {
		return nil, nil
	}
	return d.bytes(shmID, offset, size)
}

// words resolves a shared memory reference of count words.
func (d *decoder) words(shmID, offset, count uint32) ([]uint32, error) {
	region, ok := d.shms.Lookup(int32(shmID)) //nolint:gosec // wire encoding
	if !ok {
		return nil, fmt.Errorf("%w: %w: id %d", errBadMemory, shm.ErrNotFound, int32(shmID)) //nolint:gosec // wire encoding
	}
	w, err := region.Words(offset, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadMemory, err)
	}
	return w, nil
}

// idList decodes the count-prefixed ids of a Gen or Delete command.
func idList(args []uint32) ([]uint32, error) {
	n := args[0]
	ids := args[1:]
	if uint64(n) != uint64(len(ids)) {
		return nil, fmt.Errorf("%w: %d ids announced, %d sent", errParse, n, len(ids))
	}
	return ids, nil
}

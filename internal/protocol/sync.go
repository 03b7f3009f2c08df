// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package protocol

import "sync/atomic"

const (
	// QuerySyncSize is the size of one QuerySync record in bytes.
	QuerySyncSize = 16

	// QuerySyncsPerBucket is the number of QuerySync records carved from one
	// mapped memory allocation.
	QuerySyncsPerBucket = 256

	// AsyncUploadSyncSize is the size of the AsyncUploadSync record in bytes.
	AsyncUploadSyncSize = 4

	// ResultSize is the size of the reserved result area of a transfer buffer.
	ResultSize = 16
)

// QuerySync is a view over a shared {process_count, pad, result} record.
//
// The service stores the result before the process count, so a reader that
// observes the expected process count also observes the matching result.
type QuerySync struct {
	words []uint32
}

// NewQuerySync wraps four words as a QuerySync record.
func NewQuerySync(words []uint32) (QuerySync, error) {
	if len(words) < QuerySyncSize/WordSize {
		return QuerySync{}, ErrShortBlock
	}
	return QuerySync{words: words[:4:4]}, nil
}

// Valid reports whether q views a record.
func (q QuerySync) Valid() bool {
	return q.words != nil
}

// Reset clears the record before a query is submitted.
func (q QuerySync) Reset() {
	atomic.StoreUint32(&q.words[2], 0)
	atomic.StoreUint32(&q.words[3], 0)
	atomic.StoreUint32(&q.words[0], 0)
}

// ProcessCount returns the submit count of the last completed query.
func (q QuerySync) ProcessCount() uint32 {
	return atomic.LoadUint32(&q.words[0])
}

// Result returns the stored result. It is only meaningful after
// ProcessCount matched the submit count.
func (q QuerySync) Result() uint64 {
	lo := atomic.LoadUint32(&q.words[2])
	hi := atomic.LoadUint32(&q.words[3])
	return uint64(hi)<<32 | uint64(lo)
}

// Complete stores result and then publishes submitCount.
func (q QuerySync) Complete(submitCount uint32, result uint64) {
	atomic.StoreUint32(&q.words[2], uint32(result))     //nolint:gosec // low half
	atomic.StoreUint32(&q.words[3], uint32(result>>32)) //nolint:gosec // high half
	atomic.StoreUint32(&q.words[0], submitCount)
}

// AsyncUploadSync is a view over the shared word the service advances when an
// async upload retires.
type AsyncUploadSync struct {
	word *uint32
}

// NewAsyncUploadSync wraps one word as an AsyncUploadSync record.
func NewAsyncUploadSync(words []uint32) (AsyncUploadSync, error) {
	if len(words) < 1 {
		return AsyncUploadSync{}, ErrShortBlock
	}
	return AsyncUploadSync{word: &words[0]}, nil
}

// Valid reports whether a views a record.
func (a AsyncUploadSync) Valid() bool {
	return a.word != nil
}

// Token returns the last retired async upload token.
func (a AsyncUploadSync) Token() uint32 {
	return atomic.LoadUint32(a.word)
}

// SetToken publishes a retired async upload token.
func (a AsyncUploadSync) SetToken(token uint32) {
	atomic.StoreUint32(a.word, token)
}

// Reset clears the record.
func (a AsyncUploadSync) Reset() {
	atomic.StoreUint32(a.word, 0)
}

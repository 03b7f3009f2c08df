// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package protocol

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// SharedStateSize is the size of the shared state block in bytes.
const SharedStateSize = 32

// ErrShortBlock is returned when a shared record is viewed over too few words.
var ErrShortBlock = errors.New("protocol: shared block too small")

// State is a consistent snapshot of the service-side command buffer state.
type State struct {
	// Generation increases with every published update.
	Generation uint32

	// GetOffset is the ring offset, in words, of the next unprocessed command.
	GetOffset int32

	// Token is the last token processed by the service.
	Token int32

	// Error is ErrorNone or ErrorContextLost.
	Error ErrorCode

	// ContextLostReason is set together with ErrorContextLost.
	ContextLostReason LostReason

	// SetGetBufferCount counts SetGetBuffer calls. A get offset is only
	// meaningful for the ring buffer it was published for.
	SetGetBufferCount uint32

	// ReleaseCount counts processed flushes.
	ReleaseCount uint32
}

// Lost reports whether the state records a lost context.
func (s State) Lost() bool {
	return s.Error == ErrorContextLost
}

// Newer reports whether s was published after other. Generations wrap, so
// the comparison is made on the signed difference.
func (s State) Newer(other State) bool {
	return int32(s.Generation-other.Generation) > 0 //nolint:gosec // wrap-aware compare
}

const (
	stateGeneration = iota
	stateGetOffset
	stateToken
	stateError
	stateLostReason
	stateSetGetBufferCount
	stateReleaseCount
	stateWords = SharedStateSize / WordSize
)

// SharedState is a view over the shared state block. The service is the
// single writer; any number of readers observe it lock-free.
//
// Updates follow a sequence lock: the generation is odd while a write is in
// progress and every field is written with an atomic store.
type SharedState struct {
	words []uint32
}

// NewSharedState wraps words as a shared state block.
func NewSharedState(words []uint32) (*SharedState, error) {
	if len(words) < stateWords {
		return nil, ErrShortBlock
	}
	return &SharedState{words: words[:stateWords:stateWords]}, nil
}

// Read returns a consistent snapshot.
func (s *SharedState) Read() State {
	for {
		gen := atomic.LoadUint32(&s.words[stateGeneration])
		if gen&1 != 0 {
			runtime.Gosched()
			continue
		}
		st := State{
			GetOffset:         int32(atomic.LoadUint32(&s.words[stateGetOffset])), //nolint:gosec // wire value
			Token:             int32(atomic.LoadUint32(&s.words[stateToken])),     //nolint:gosec // wire value
			Error:             ErrorCode(atomic.LoadUint32(&s.words[stateError])),
			ContextLostReason: LostReason(atomic.LoadUint32(&s.words[stateLostReason])),
			SetGetBufferCount: atomic.LoadUint32(&s.words[stateSetGetBufferCount]),
			ReleaseCount:      atomic.LoadUint32(&s.words[stateReleaseCount]),
		}
		if atomic.LoadUint32(&s.words[stateGeneration]) == gen {
			st.Generation = gen
			return st
		}
	}
}

// Write publishes st. The Generation field of st is ignored; the block
// advances its own generation. Write must not be called concurrently.
func (s *SharedState) Write(st State) {
	gen := atomic.LoadUint32(&s.words[stateGeneration])
	atomic.StoreUint32(&s.words[stateGeneration], gen+1)
	atomic.StoreUint32(&s.words[stateGetOffset], uint32(st.GetOffset)) //nolint:gosec // wire value
	atomic.StoreUint32(&s.words[stateToken], uint32(st.Token))         //nolint:gosec // wire value
	atomic.StoreUint32(&s.words[stateError], uint32(st.Error))
	atomic.StoreUint32(&s.words[stateLostReason], uint32(st.ContextLostReason))
	atomic.StoreUint32(&s.words[stateSetGetBufferCount], st.SetGetBufferCount)
	atomic.StoreUint32(&s.words[stateReleaseCount], st.ReleaseCount)
	atomic.StoreUint32(&s.words[stateGeneration], gen+2)
}

// InRange reports whether value lies in [start, end]. When start > end the
// range wraps: [start, ring end) followed by [0, end].
func InRange(start, end, value int32) bool {
	if start <= end {
		return start <= value && value <= end
	}
	return start <= value || value <= end
}

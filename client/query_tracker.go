// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

const bucketWords = protocol.QuerySyncsPerBucket / 64

type querySyncBucket struct {
	alloc Allocation
	words []uint32
	inUse [bucketWords]uint64
	count int
}

func (b *querySyncBucket) full() bool {
	return b.count == protocol.QuerySyncsPerBucket
}

func (b *querySyncBucket) firstFree() int {
	for w, v := range b.inUse {
		if v != math.MaxUint64 {
			return w*64 + bits.TrailingZeros64(^v)
		}
	}
	return -1
}

// QueryInfo locates the QuerySync record of one query.
type QueryInfo struct {
	bucket *querySyncBucket
	index  int

	// ShmID and ShmOffset locate the record for the service.
	ShmID     int32
	ShmOffset uint32

	// Sync views the record.
	Sync protocol.QuerySync
}

// QuerySyncManager carves QuerySync records out of mapped memory in buckets
// of protocol.QuerySyncsPerBucket.
type QuerySyncManager struct {
	mapped  *MappedMemoryManager
	buckets []*querySyncBucket
}

// NewQuerySyncManager creates a manager allocating buckets from mapped.
func NewQuerySyncManager(mapped *MappedMemoryManager) *QuerySyncManager {
	return &QuerySyncManager{mapped: mapped}
}

// NumBuckets returns the number of buckets held.
func (m *QuerySyncManager) NumBuckets() int { return len(m.buckets) }

// Alloc reserves a record and resets it.
func (m *QuerySyncManager) Alloc() (QueryInfo, error) {
	var bucket *querySyncBucket
	for _, b := range m.buckets {
		if !b.full() {
			bucket = b
			break
		}
	}
	if bucket == nil {
		a, err := m.mapped.Alloc(protocol.QuerySyncsPerBucket * protocol.QuerySyncSize)
		if err != nil {
			return QueryInfo{}, fmt.Errorf("query sync bucket: %w", err)
		}
		bucket = &querySyncBucket{alloc: a, words: shm.Words(a.Data)}
		m.buckets = append(m.buckets, bucket)
	}

	index := bucket.firstFree()
	const wordsPerSync = protocol.QuerySyncSize / protocol.WordSize
	sync, err := protocol.NewQuerySync(bucket.words[index*wordsPerSync:])
	if err != nil {
		return QueryInfo{}, err
	}
	sync.Reset()
	bucket.inUse[index/64] |= 1 << (index % 64)
	bucket.count++
	return QueryInfo{
		bucket:    bucket,
		index:     index,
		ShmID:     bucket.alloc.ShmID,
		ShmOffset: bucket.alloc.Offset + uint32(index)*protocol.QuerySyncSize, //nolint:gosec // < 256
		Sync:      sync,
	}, nil
}

// Free returns the record of info to its bucket.
func (m *QuerySyncManager) Free(info QueryInfo) {
	b := info.bucket
	if b == nil {
		return
	}
	mask := uint64(1) << (info.index % 64)
	if b.inUse[info.index/64]&mask != 0 {
		b.inUse[info.index/64] &^= mask
		b.count--
	}
}

// Shrink releases empty buckets once the service passed every command
// written so far.
func (m *QuerySyncManager) Shrink(helper *CommandBufferHelper) {
	kept := m.buckets[:0]
	for _, b := range m.buckets {
		if b.count > 0 {
			kept = append(kept, b)
			continue
		}
		m.mapped.FreePendingToken(b.alloc, helper.InsertToken())
	}
	clear(m.buckets[len(kept):])
	m.buckets = kept
}

// QueryState is the lifecycle state of a query.
type QueryState int

// Query states.
const (
	QueryUninitialized QueryState = iota
	QueryActive
	QueryPending
	QueryComplete
)

// Query tracks one query object through Begin, End and completion.
type Query struct {
	id     uint32
	target uint32
	info   QueryInfo

	state       QueryState
	submitCount uint32
	token       int32
	flushCount  uint32
	result      uint64
}

// ID returns the query id.
func (q *Query) ID() uint32 { return q.id }

// Target returns the query target.
func (q *Query) Target() uint32 { return q.target }

// State returns the lifecycle state.
func (q *Query) State() QueryState { return q.state }

// Token returns the token inserted after the query ended.
func (q *Query) Token() int32 { return q.token }

// SubmitCount returns the submission number of the last Begin.
func (q *Query) SubmitCount() uint32 { return q.submitCount }

// NeverUsed reports whether Begin was never called.
func (q *Query) NeverUsed() bool { return q.state == QueryUninitialized }

// Pending reports whether the query ended but has no result yet.
func (q *Query) Pending() bool { return q.state == QueryPending }

// Result returns the result of a completed query.
func (q *Query) Result() uint64 { return q.result }

func (q *Query) begin(helper *CommandBufferHelper) {
	q.submitCount++
	if q.submitCount >= math.MaxInt32 {
		q.submitCount = 1
	}
	q.state = QueryActive
	if q.target == protocol.QueryGetError {
		// Started on End, and only when the client holds no error.
		return
	}
	_ = helper.Emit(protocol.OpBeginQuery, q.target, q.id,
		uint32(q.info.ShmID), q.info.ShmOffset, q.submitCount) //nolint:gosec // shm ids are positive
}

func (q *Query) end(helper *CommandBufferHelper, clientError func() protocol.ErrorCode) {
	if q.target == protocol.QueryGetError {
		if code := clientError(); code != protocol.ErrorNone {
			q.state = QueryComplete
			q.result = uint64(code)
			return
		}
		_ = helper.Emit(protocol.OpBeginQuery, q.target, q.id,
			uint32(q.info.ShmID), q.info.ShmOffset, q.submitCount) //nolint:gosec // shm ids are positive
	}
	q.flushCount = helper.FlushGeneration()
	_ = helper.Emit(protocol.OpEndQuery, q.target, q.submitCount)
	q.token = helper.InsertToken()
	q.state = QueryPending
}

// CheckResultsAvailable reports whether the query completed, without
// blocking. When flushIfPending is set and the result is missing, it makes
// sure the service will get to the query: it flushes if the query's End was
// never flushed and otherwise adds a Noop so the service sees more work.
//
// Once the context is lost a pending query completes with result 0.
func (q *Query) CheckResultsAvailable(helper *CommandBufferHelper, flushIfPending bool) bool {
	if q.state != QueryPending {
		return q.state == QueryComplete
	}
	processed := q.info.Sync.ProcessCount() == q.submitCount
	if processed {
		q.result = q.info.Sync.Result()
		q.state = QueryComplete
		return true
	}
	if helper.IsContextLost() {
		q.result = 0
		q.state = QueryComplete
		return true
	}
	if flushIfPending {
		if helper.FlushGeneration()-q.flushCount-1 >= 0x80000000 {
			helper.Flush()
		} else {
			_ = helper.Noop(1)
		}
	}
	return false
}

// QueryTracker owns the queries of one context.
type QueryTracker struct {
	helper  *CommandBufferHelper
	syncs   *QuerySyncManager
	queries map[uint32]*Query
	current map[uint32]*Query
	removed []*Query

	clientError func() protocol.ErrorCode
}

// NewQueryTracker creates a tracker. clientError reports and clears the
// pending client-side error; GetError queries complete with it on End.
func NewQueryTracker(helper *CommandBufferHelper, mapped *MappedMemoryManager, clientError func() protocol.ErrorCode) *QueryTracker {
	if clientError == nil {
		clientError = func() protocol.ErrorCode { return protocol.ErrorNone }
	}
	return &QueryTracker{
		helper:      helper,
		syncs:       NewQuerySyncManager(mapped),
		queries:     make(map[uint32]*Query),
		current:     make(map[uint32]*Query),
		clientError: clientError,
	}
}

// SyncManager returns the QuerySync allocator.
func (t *QueryTracker) SyncManager() *QuerySyncManager { return t.syncs }

// Query returns the query with id.
func (t *QueryTracker) Query(id uint32) (*Query, bool) {
	q, ok := t.queries[id]
	return q, ok
}

// CurrentQuery returns the active query of target.
func (t *QueryTracker) CurrentQuery(target uint32) (*Query, bool) {
	q, ok := t.current[target]
	return q, ok
}

// NumRemovedPending returns the removed queries still waiting for results.
func (t *QueryTracker) NumRemovedPending() int { return len(t.removed) }

// BeginQuery starts query id on target, creating it on first use.
// Failures return the error code to report and change no state.
func (t *QueryTracker) BeginQuery(id, target uint32) (protocol.ErrorCode, string) {
	if !protocol.ValidQueryTarget(target) {
		return protocol.ErrorInvalidEnum, "invalid target"
	}
	if _, ok := t.current[target]; ok {
		return protocol.ErrorInvalidOperation, "query already in progress"
	}
	if id == 0 {
		return protocol.ErrorInvalidOperation, "id is 0"
	}
	q, ok := t.queries[id]
	if !ok {
		info, err := t.syncs.Alloc()
		if err != nil {
			return protocol.ErrorOutOfMemory, "transfer buffer allocation failed"
		}
		q = &Query{id: id, target: target, info: info}
		t.queries[id] = q
	} else if q.target != target {
		return protocol.ErrorInvalidOperation, "target does not match"
	}
	if q.Pending() {
		// Results of the previous submission are dropped.
		q.state = QueryUninitialized
	}
	t.current[target] = q
	q.begin(t.helper)
	return protocol.ErrorNone, ""
}

// EndQuery ends the active query of target.
func (t *QueryTracker) EndQuery(target uint32) (protocol.ErrorCode, string) {
	if !protocol.ValidQueryTarget(target) {
		return protocol.ErrorInvalidEnum, "invalid target"
	}
	q, ok := t.current[target]
	if !ok {
		return protocol.ErrorInvalidOperation, "no active query"
	}
	delete(t.current, target)
	q.end(t.helper, t.clientError)
	return protocol.ErrorNone, ""
}

// RemoveQuery forgets query id. Call it after the delete command was
// issued: the service ends an active query when it is deleted, so the query
// becomes pending on that delete. The record of a pending query is kept until
// its result arrives so the service never writes into reused memory.
func (t *QueryTracker) RemoveQuery(id uint32) {
	q, ok := t.queries[id]
	if !ok {
		return
	}
	delete(t.queries, id)
	if cur, ok := t.current[q.target]; ok && cur == q {
		delete(t.current, q.target)
		if q.target == protocol.QueryGetError {
			// Never begun on the service.
			q.state = QueryUninitialized
		} else {
			q.flushCount = t.helper.FlushGeneration()
			q.token = t.helper.InsertToken()
			q.state = QueryPending
		}
	}
	if q.Pending() {
		t.removed = append(t.removed, q)
		return
	}
	t.syncs.Free(q.info)
}

// FreeCompletedQueries releases the records of removed queries that
// completed since.
func (t *QueryTracker) FreeCompletedQueries() {
	kept := t.removed[:0]
	for _, q := range t.removed {
		if !q.CheckResultsAvailable(t.helper, false) {
			kept = append(kept, q)
			continue
		}
		t.syncs.Free(q.info)
	}
	clear(t.removed[len(kept):])
	t.removed = kept
}

// Shrink releases empty QuerySync buckets.
func (t *QueryTracker) Shrink() {
	t.FreeCompletedQueries()
	t.syncs.Shrink(t.helper)
}

// Lose completes every query; called once the context is lost.
func (t *QueryTracker) Lose() {
	for _, q := range t.queries {
		if q.state == QueryPending || q.state == QueryActive {
			q.result = 0
			q.state = QueryComplete
		}
	}
	clear(t.current)
	for _, q := range t.removed {
		t.syncs.Free(q.info)
	}
	t.removed = nil
}

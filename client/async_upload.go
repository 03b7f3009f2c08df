// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

type detachedUpload struct {
	alloc Allocation
	token uint32
}

// AsyncUploadTracker follows uploads the service performs in the background.
// Each upload is tagged with an async upload token; the service stores the
// token of the last retired upload in a shared AsyncUploadSync record. The
// payload memory of an upload is detached from the caller and released once
// its token was observed, without ever blocking.
//
// AsyncUploadTracker is not safe for concurrent use.
type AsyncUploadTracker struct {
	helper *CommandBufferHelper
	mapped *MappedMemoryManager

	syncAlloc Allocation
	sync      protocol.AsyncUploadSync

	token    uint32
	detached []detachedUpload
	retired  []Allocation
}

// NewAsyncUploadTracker creates a tracker whose payloads come from mapped.
func NewAsyncUploadTracker(helper *CommandBufferHelper, mapped *MappedMemoryManager) *AsyncUploadTracker {
	return &AsyncUploadTracker{helper: helper, mapped: mapped}
}

// ensureSync allocates the AsyncUploadSync record on first use.
func (t *AsyncUploadTracker) ensureSync() error {
	if t.syncAlloc.Valid() {
		return nil
	}
	a, err := t.mapped.Alloc(protocol.AsyncUploadSyncSize)
	if err != nil {
		return fmt.Errorf("async upload sync: %w", err)
	}
	sync, err := protocol.NewAsyncUploadSync(shm.Words(a.Data))
	if err != nil {
		t.mapped.Free(a)
		return err
	}
	sync.Reset()
	t.syncAlloc = a
	t.sync = sync
	return nil
}

// SyncLocation returns where the service reports retired uploads.
func (t *AsyncUploadTracker) SyncLocation() (shmID int32, offset uint32, err error) {
	if err := t.ensureSync(); err != nil {
		return shm.InvalidID, 0, err
	}
	return t.syncAlloc.ShmID, t.syncAlloc.Offset, nil
}

// NextToken returns a fresh async upload token. Token 0 is never issued.
func (t *AsyncUploadTracker) NextToken() uint32 {
	t.token++
	if t.token == 0 {
		t.token++
	}
	return t.token
}

// LastToken returns the most recently issued token.
func (t *AsyncUploadTracker) LastToken() uint32 { return t.token }

// HasPassed reports whether the upload tagged with token retired.
func (t *AsyncUploadTracker) HasPassed(token uint32) bool {
	if !t.sync.Valid() {
		return false
	}
	return t.sync.Token()-token < 0x80000000
}

// Detach hands a to the tracker. It is released once token retired.
func (t *AsyncUploadTracker) Detach(a Allocation, token uint32) {
	t.detached = append(t.detached, detachedUpload{alloc: a, token: token})
}

// Pending returns the number of detached payloads not yet released.
func (t *AsyncUploadTracker) Pending() int { return len(t.detached) + len(t.retired) }

// collect moves the payloads of retired uploads off the detached list.
// It never touches an allocator, so it is safe to run from wait hooks.
func (t *AsyncUploadTracker) collect() {
	if t.helper.IsContextLost() {
		for _, d := range t.detached {
			t.retired = append(t.retired, d.alloc)
		}
		t.detached = t.detached[:0]
		return
	}
	kept := t.detached[:0]
	for _, d := range t.detached {
		if t.HasPassed(d.token) {
			t.retired = append(t.retired, d.alloc)
			continue
		}
		kept = append(kept, d)
	}
	t.detached = kept
}

// Poll releases the payloads of every upload that retired.
func (t *AsyncUploadTracker) Poll() {
	t.collect()
	if len(t.retired) == 0 {
		return
	}
	for _, a := range t.retired {
		t.mapped.Free(a)
	}
	slogger().Debug("async uploads reaped", slog.Int("count", len(t.retired)))
	clear(t.retired)
	t.retired = t.retired[:0]
}

// Wait blocks until every upload written so far retired.
func (t *AsyncUploadTracker) Wait() error {
	if err := t.helper.Emit(protocol.OpWaitAsyncUploads); err != nil {
		return err
	}
	if err := t.helper.Finish(); err != nil {
		return err
	}
	t.Poll()
	return nil
}

// Release frees every payload and the sync record. The caller guarantees the
// service finished with them.
func (t *AsyncUploadTracker) Release() {
	for _, d := range t.detached {
		t.mapped.Free(d.alloc)
	}
	for _, a := range t.retired {
		t.mapped.Free(a)
	}
	t.detached = nil
	t.retired = nil
	if t.syncAlloc.Valid() {
		t.mapped.Free(t.syncAlloc)
		t.syncAlloc = Allocation{}
		t.sync = protocol.AsyncUploadSync{}
	}
}

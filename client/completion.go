// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

type completion struct {
	query *Query
	token int32
	fn    func()
}

// CompletionQueue runs callbacks once a query completed or a token passed.
// Callbacks run on the goroutine calling RunCompletions, never from a wait.
//
// CompletionQueue is not safe for concurrent use.
type CompletionQueue struct {
	helper  *CommandBufferHelper
	pending []completion
	running bool
}

// NewCompletionQueue creates an empty queue.
func NewCompletionQueue(helper *CommandBufferHelper) *CompletionQueue {
	return &CompletionQueue{helper: helper}
}

// Len returns the number of callbacks not yet run.
func (q *CompletionQueue) Len() int { return len(q.pending) }

// SignalQuery runs fn once query completed. A nil query or one that was
// never ended completes at the next RunCompletions.
func (q *CompletionQueue) SignalQuery(query *Query, fn func()) {
	if query != nil && query.state != QueryPending {
		query = nil
	}
	q.pending = append(q.pending, completion{query: query, token: -1, fn: fn})
}

// SignalToken runs fn once the service processed token.
func (q *CompletionQueue) SignalToken(token int32, fn func()) {
	q.pending = append(q.pending, completion{token: token, fn: fn})
}

func (q *CompletionQueue) done(c completion) bool {
	if q.helper.IsContextLost() {
		return true
	}
	if c.query != nil {
		return c.query.CheckResultsAvailable(q.helper, false)
	}
	return c.token < 0 || q.helper.HasTokenPassed(c.token)
}

// RunCompletions runs the callbacks whose condition holds, in registration
// order. Once the context is lost every callback runs. Callbacks may
// register new ones; those are considered on the next call.
func (q *CompletionQueue) RunCompletions() {
	if q.running || len(q.pending) == 0 {
		return
	}
	q.running = true
	defer func() { q.running = false }()

	var ready []func()
	kept := q.pending[:0]
	for _, c := range q.pending {
		if q.done(c) {
			ready = append(ready, c.fn)
			continue
		}
		kept = append(kept, c)
	}
	clear(q.pending[len(kept):])
	q.pending = kept

	for _, fn := range ready {
		fn()
	}
}

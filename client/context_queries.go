// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "github.com/gogpu/cmdbuf/internal/protocol"

// GenQueries returns n new query IDs. Queries are private to the context.
func (c *Context) GenQueries(n int) []uint32 {
	defer c.check.enter("GenQueries")()
	return c.genIDs(NamespaceQueries, protocol.OpGenQueriesImmediate, n, "GenQueries")
}

// DeleteQueries deletes queries. Active queries end implicitly; the shared
// records of pending ones are released once their results arrive.
func (c *Context) DeleteQueries(ids ...uint32) {
	defer c.check.enter("DeleteQueries")()
	h := c.private[NamespaceQueries-numSharedNamespaces]
	for _, id := range ids {
		if id != InvalidID && !h.InUse(id) {
			c.setError(protocol.ErrorInvalidValue, "DeleteQueries", "id not generated")
			return
		}
	}
	c.deleteIDs(NamespaceQueries, protocol.OpDeleteQueriesImmediate, ids, "DeleteQueries")
	for _, id := range ids {
		c.queries.RemoveQuery(id)
	}
}

// IsQuery reports whether id names a query that was begun at least once.
func (c *Context) IsQuery(id uint32) bool {
	defer c.check.enter("IsQuery")()
	_, ok := c.queries.Query(id)
	return ok
}

// BeginQuery starts query id on target.
func (c *Context) BeginQuery(target, id uint32) {
	defer c.check.enter("BeginQuery")()
	h := c.private[NamespaceQueries-numSharedNamespaces]
	if id != InvalidID && !h.InUse(id) {
		c.setError(protocol.ErrorInvalidOperation, "BeginQuery", "id not generated")
		return
	}
	if code, msg := c.queries.BeginQuery(id, target); code != protocol.ErrorNone {
		c.setError(code, "BeginQuery", msg)
	}
}

// EndQuery ends the active query of target.
func (c *Context) EndQuery(target uint32) {
	defer c.check.enter("EndQuery")()
	if code, msg := c.queries.EndQuery(target); code != protocol.ErrorNone {
		c.setError(code, "EndQuery", msg)
	}
}

// GetQueryObject returns QueryResultAvailable or QueryResult of query id.
// QueryResult blocks until the result arrived; once the context is lost it
// returns 0 without blocking.
func (c *Context) GetQueryObject(id, pname uint32) uint64 {
	defer c.check.enter("GetQueryObject")()
	const fn = "GetQueryObject"
	q, ok := c.queries.Query(id)
	if !ok {
		c.setError(protocol.ErrorInvalidOperation, fn, "unknown query id")
		return 0
	}
	if cur, ok := c.queries.CurrentQuery(q.Target()); ok && cur == q {
		c.setError(protocol.ErrorInvalidOperation, fn, "query active")
		return 0
	}
	if q.NeverUsed() {
		c.setError(protocol.ErrorInvalidOperation, fn, "never used")
		return 0
	}
	switch pname {
	case protocol.QueryResultAvailable:
		if q.CheckResultsAvailable(c.helper, true) {
			return 1
		}
		return 0
	case protocol.QueryResult:
		c.waitForQuery(q)
		return q.Result()
	default:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid pname")
		return 0
	}
}

// waitForQuery blocks until q completed. Each round waits for the token
// written after the query ended and then drains the ring so the service
// gets to retire the query.
func (c *Context) waitForQuery(q *Query) {
	if c.destroyed {
		return
	}
	for !q.CheckResultsAvailable(c.helper, true) {
		if err := c.helper.WaitForToken(q.Token()); err != nil {
			continue
		}
		if q.CheckResultsAvailable(c.helper, false) {
			break
		}
		if err := c.helper.Finish(); err != nil {
			continue
		}
	}
	c.handleLost()
}

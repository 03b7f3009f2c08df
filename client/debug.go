// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"sync/atomic"
)

// callChecker panics when two goroutines use a Context at the same time.
// It is a no-op unless enabled.
type callChecker struct {
	enabled bool
	inside  atomic.Int32
}

// enter marks the start of a call. The returned function marks its end.
func (c *callChecker) enter(method string) func() {
	if !c.enabled {
		return func() {}
	}
	if !c.inside.CompareAndSwap(0, 1) {
		panic(fmt.Sprintf("client: Context.%s called concurrently; a Context must be used by one goroutine at a time", method))
	}
	return func() { c.inside.Store(0) }
}
